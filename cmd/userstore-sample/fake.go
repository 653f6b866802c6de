package main

import (
	"encoding/json"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/and161185/userstore/internal/userstoretest"
	"github.com/and161185/userstore/model"
)

var phoneRE = regexp.MustCompile(`^(\d{3})-(\d{3})-(\d{4})$`)

// startFake runs an in-process store that evaluates the scenario's policies.
func startFake(log *zap.Logger) *userstoretest.Server {
	srv := userstoretest.New(userstoretest.WithLogger(log.Named("fake")))
	srv.RegisterAccessFunc(purposeAccessFunction, purposeAllowed)
	srv.RegisterTransformFunc(purposeTransformFunction, purposeTransform)
	return srv
}

// purposeAllowed admits a call when its purpose is enabled in params:
// {"purpose": {"support": true}}.
func purposeAllowed(cc model.ClientContext, params string) bool {
	var p struct {
		Purpose map[string]bool `json:"purpose"`
	}
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return false
	}
	purpose, _ := cc["purpose"].(string)
	return p.Purpose[purpose]
}

// purposeTransform shows everything to security and masks the phone and hides the
// address for support.
func purposeTransform(values []string, params string) (string, error) {
	var p struct {
		Purpose string `json:"purpose"`
	}
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return "", err
	}
	var out []string
	switch p.Purpose {
	case "security":
		out = values
	case "support":
		out = []string{"<invalid phone number>", "<home address hidden>"}
		if m := phoneRE.FindStringSubmatch(values[0]); m != nil {
			out[0] = "XXX-XXX-" + m[3]
		}
	default:
		return "", fmt.Errorf("unknown purpose %q", p.Purpose)
	}
	b, err := json.Marshal(out)
	return string(b), err
}
