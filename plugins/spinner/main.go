// Spinner is a minimal plugin binary demonstrating the create/destroy symbol
// contract. Build it with:
//
//	go build -buildmode=plugin -o spinner.so ./plugins/spinner
//
// and add the resulting path to plugins.paths in the config. It registers one
// phase on the main loop that counts frames into shared data, and one phase
// on a dedicated worker that drains the count.
package main

import (
	"cadence/internal/plugin"
	"cadence/internal/schedule"
	"cadence/internal/shareddata"
)

const (
	mainPhase   = "spinner.tick"
	workerPhase = "spinner.report"
	workerName  = "spinner"
	resourceKey = "spinner.frames"
)

type spinner struct{}

func (s *spinner) Name() string { return "spinner" }

func (s *spinner) Prepare(host plugin.Host) error {
	shared := host.Shared()

	tick := &schedule.FuncPhase{
		PhaseName: mainPhase,
		OnRun: func(schedule.Frame) bool {
			shared.Submit(func(res shareddata.Resources) {
				n, _ := res[resourceKey].(uint64)
				res[resourceKey] = n + 1
			})
			return true
		},
	}
	if err := host.CreatePhase(tick); err != nil {
		return err
	}

	report := &schedule.FuncPhase{
		PhaseName: workerPhase,
		OnRun: func(schedule.Frame) bool {
			_, _ = shared.Read(resourceKey)
			return true
		},
	}
	if err := host.CreatePhaseOnWorker(workerName, report); err != nil {
		_ = host.DestroyPhase(mainPhase)
		return err
	}
	return nil
}

func (s *spinner) Unprepare(host plugin.Host) error {
	err := host.DestroyPhase(mainPhase)
	if werr := host.DestroyPhaseOnWorker(workerName, workerPhase); err == nil {
		err = werr
	}
	return err
}

// CreatePlugin and DestroyPlugin are the symbols the host resolves.

func CreatePlugin() any { return &spinner{} }

func DestroyPlugin(inst any) { _ = inst }

// main is required for package main but never runs under -buildmode=plugin.
func main() {}
