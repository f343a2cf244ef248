package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/codegate"
	"github.com/MrEthical07/codegate/internal/logging"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	loadtestSubjects    int
	loadtestConcurrency int
	loadtestContenders  int
	loadtestRedisAddr   string
	loadtestPrefix      string
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Issue challenges and race validations against Redis",
	Long: "Issues one challenge per synthetic subject, then has several workers submit the\n" +
		"correct code for each subject at once. Exactly one submission per subject must win.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if loadtestSubjects <= 0 || loadtestConcurrency <= 0 || loadtestContenders <= 0 {
			return errors.New("subjects, concurrency and contenders must be > 0")
		}
		logger, err := logging.New("loadtest", "info", logging.FormatConsole)
		if err != nil {
			return err
		}

		addr := loadtestRedisAddr
		if addr == "" {
			addr = os.Getenv("REDIS_ADDR")
		}

		var client redis.UniversalClient
		if addr == "" {
			mr, err := miniredis.Run()
			if err != nil {
				return fmt.Errorf("start miniredis: %w", err)
			}
			defer mr.Close()
			addr = mr.Addr()
			logger.Info().Str("addr", addr).Msg("using miniredis")
		} else {
			logger.Info().Str("addr", addr).Msg("using redis")
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		defer client.Close()

		cfg := codegate.DefaultConfig()
		cfg.Store.RedisPrefix = loadtestPrefix
		cfg.Throttle.EnableIdentifierThrottle = false
		cfg.Throttle.EnableIPThrottle = false

		outbox := &loadOutbox{}
		engine, err := codegate.New().
			WithConfig(cfg).
			WithRedis(client).
			WithIdentity(loadIdentity{}).
			WithDeliverer(outbox).
			Build()
		if err != nil {
			return fmt.Errorf("engine build: %w", err)
		}
		defer engine.Close()

		ctx := cmd.Context()
		subjects := make([]string, loadtestSubjects)
		for i := range subjects {
			subjects[i] = fmt.Sprintf("lt-%d", i)
		}

		issueStats := runIssuePhase(ctx, engine, subjects, loadtestConcurrency)
		validateStats, violations := runContendPhase(ctx, engine, outbox, subjects, loadtestConcurrency, loadtestContenders)

		fmt.Println("---- results ----")
		printStats("issue", issueStats)
		printStats("validate", validateStats)
		fmt.Printf("single-use violations: %d\n", violations)

		if violations > 0 {
			return fmt.Errorf("%d subjects did not have exactly one accepted submission", violations)
		}
		return nil
	},
}

func init() {
	loadtestCmd.Flags().IntVar(&loadtestSubjects, "subjects", 10000, "number of subjects to issue challenges for")
	loadtestCmd.Flags().IntVar(&loadtestConcurrency, "concurrency", 64, "number of concurrent workers")
	loadtestCmd.Flags().IntVar(&loadtestContenders, "contenders", 4, "simultaneous submissions of the correct code per subject")
	loadtestCmd.Flags().StringVar(&loadtestRedisAddr, "redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	loadtestCmd.Flags().StringVar(&loadtestPrefix, "prefix", "cglt", "redis key prefix")
	rootCmd.AddCommand(loadtestCmd)
}

type loadIdentity struct{}

func (loadIdentity) ResolveSubject(_ context.Context, identifier string) (string, error) {
	return strings.TrimSuffix(identifier, "@loadtest.invalid"), nil
}

func (loadIdentity) ContactAddress(_ context.Context, subjectID string) (string, error) {
	return subjectID + "@loadtest.invalid", nil
}

func (loadIdentity) PerformGatedAction(context.Context, string, codegate.Action) error {
	return nil
}

type loadOutbox struct {
	codes sync.Map
}

func (o *loadOutbox) Deliver(_ context.Context, address string, _ codegate.Purpose, code string) error {
	o.codes.Store(strings.TrimSuffix(address, "@loadtest.invalid"), code)
	return nil
}

func (o *loadOutbox) code(subjectID string) string {
	v, _ := o.codes.Load(subjectID)
	code, _ := v.(string)
	return code
}

func runIssuePhase(ctx context.Context, engine *codegate.Engine, subjects []string, concurrency int) phaseStats {
	var failures int64
	latencies := runWorkers(len(subjects), concurrency, func(i int) {
		if err := engine.Issue(ctx, subjects[i], codegate.PurposeSignupConfirmation); err != nil {
			atomic.AddInt64(&failures, 1)
		}
	})
	return computeStats(latencies.total, latencies.samples, failures)
}

// runContendPhase submits the right code contenders times per subject, all
// at once, and counts subjects that did not get exactly one acceptance.
func runContendPhase(
	ctx context.Context,
	engine *codegate.Engine,
	outbox *loadOutbox,
	subjects []string,
	concurrency, contenders int,
) (phaseStats, int) {
	var (
		failures int64
		accepted = make([]int32, len(subjects))
	)

	latencies := runWorkers(len(subjects), concurrency, func(i int) {
		code := outbox.code(subjects[i])
		var wg sync.WaitGroup
		for c := 0; c < contenders; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := engine.Validate(ctx, subjects[i], codegate.PurposeSignupConfirmation, code)
				if err != nil {
					atomic.AddInt64(&failures, 1)
					return
				}
				if ok {
					atomic.AddInt32(&accepted[i], 1)
				}
			}()
		}
		wg.Wait()
	})

	violations := 0
	for _, n := range accepted {
		if n != 1 {
			violations++
		}
	}
	return computeStats(latencies.total, latencies.samples, failures), violations
}

type workerRun struct {
	total   time.Duration
	samples []time.Duration
}

func runWorkers(ops, concurrency int, op func(i int)) workerRun {
	var (
		wg      sync.WaitGroup
		cursor  int64
		mu      sync.Mutex
		samples = make([]time.Duration, 0, ops)
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				op(i)
				d := time.Since(t0)
				mu.Lock()
				samples = append(samples, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return workerRun{total: time.Since(start), samples: samples}
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
