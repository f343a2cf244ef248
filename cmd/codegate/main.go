// Command codegate runs the verification-code flow API and its tooling.
//
//	codegate serve                       start the HTTP flow API
//	codegate accounts create --email ... seed an account
//	codegate loadtest                    contend on challenges in Redis
//
// Settings come from the environment and an optional .env file; see
// internal/config.
package main

func main() {
	Execute()
}
