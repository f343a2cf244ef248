// Package console is a development Deliverer that prints codes to a writer
// instead of sending them. Never use it in production.
package console

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/MrEthical07/codegate"
)

type Deliverer struct {
	mu  sync.Mutex
	out io.Writer
}

var _ codegate.Deliverer = (*Deliverer)(nil)

func New(out io.Writer) *Deliverer {
	return &Deliverer{out: out}
}

func (d *Deliverer) Deliver(ctx context.Context, address string, purpose codegate.Purpose, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := fmt.Fprintf(d.out, "[outbox] to=%s purpose=%s code=%s\n", address, purpose, code)
	return err
}
