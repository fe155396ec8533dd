package verify

import (
	"context"
	"time"
)

type Agent string

const (
	AgentVerify Agent = "verify"
	AgentDetect Agent = "detect"
	AgentAdapt  Agent = "adapt"
)

// AgentLine is one scripted line of the agent activity log.
type AgentLine struct {
	Agent   Agent
	Message string
	At      time.Duration
}

// Script is the fixed agent activity sequence played while a verification
// call is in flight. It mirrors nothing about the call's real progress.
type Script struct {
	Lines    []AgentLine
	Duration time.Duration
}

// DefaultScript is the sequence shown in every session.
func DefaultScript() Script {
	return Script{
		Lines: []AgentLine{
			{Agent: AgentVerify, Message: "Analyzing evidence semantics...", At: 0},
			{Agent: AgentVerify, Message: "Checking Strava/GPS consistency...", At: 800 * time.Millisecond},
			{Agent: AgentDetect, Message: "Auditing for fraud patterns...", At: 1800 * time.Millisecond},
			{Agent: AgentDetect, Message: "Reviewing enforcement safety limits...", At: 2400 * time.Millisecond},
			{Agent: AgentAdapt, Message: "Updating Ledger & User Stats...", At: 3000 * time.Millisecond},
		},
		Duration: 3800 * time.Millisecond,
	}
}

// WithMinimum stretches the script so it lasts at least min.
func (s Script) WithMinimum(min time.Duration) Script {
	if min > s.Duration {
		s.Duration = min
	}
	return s
}

// total is the time the script occupies: its duration or its last line,
// whichever is later.
func (s Script) total() time.Duration {
	d := s.Duration
	for _, l := range s.Lines {
		if l.At > d {
			d = l.At
		}
	}
	return d
}

// play reveals each line at its offset and returns once the whole script has
// elapsed. It stops early with ctx's error.
func (s Script) play(ctx context.Context, reveal func(AgentLine)) error {
	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C
	wait := func(at time.Duration) error {
		d := at - time.Since(start)
		if d <= 0 {
			return ctx.Err()
		}
		timer.Reset(d)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, line := range s.Lines {
		if err := wait(line.At); err != nil {
			return err
		}
		reveal(line)
	}
	return wait(s.total())
}
