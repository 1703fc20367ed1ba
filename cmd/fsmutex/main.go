// Command fsmutex benchmarks and inspects filesystem-only entity locks.
//
//	fsmutex bench -b append_log -w 8 /tmp/locks   # contend from 8 processes
//	fsmutex shell /tmp/locks/lock                 # lock and unlock by hand
//	fsmutex dump /tmp/locks/lock                  # show an append log
//
// Interrupting a bench stops every waiter and still prints the totals. A
// shell releases what it holds when its input ends.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/calvinalkan/fsmutex/internal/cli"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, environ(), sigCh))
}

func environ() map[string]string {
	env := make(map[string]string)

	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	return env
}
