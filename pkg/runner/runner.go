// Package runner drives the daemon lifecycle: start hooks, a blocking
// run phase, and a bounded drain on shutdown so open dictation sessions
// can deliver their final results before the process exits.
package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

type State int32

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run at the edges of the lifecycle: OnStart once the runner is
// up, OnStop after draining completes.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer finishes in-flight work during shutdown.
type Drainer interface {
	Drain() error
}

// DrainerFunc adapts a plain function to Drainer.
type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

const EngineVersion = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"KIKITORI\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
