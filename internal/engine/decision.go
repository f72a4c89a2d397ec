package engine

import "github.com/lumastudio/agentgate/internal/toolerr"

// Decision is the outcome of running the guardrail stages for one call.
type Decision struct {
	Allowed   bool
	Rejection toolerr.Error // nil when Allowed
	Stage     string        // stage that rejected, "" when Allowed
}

func allow() Decision {
	return Decision{Allowed: true}
}

func reject(stage string, err toolerr.Error) Decision {
	return Decision{Rejection: err, Stage: stage}
}
