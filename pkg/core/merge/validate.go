//
//  Copyright © Control Core Inc. All rights reserved.
//

package merge

import (
	"fmt"
	"regexp"

	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/model"
)

var (
	cpuLimitRe    = regexp.MustCompile(`^[0-9]+m?$`)
	memoryLimitRe = regexp.MustCompile(`^[0-9]+(Mi|Gi)$`)
)

type validator func(v interface{}) string

// catalogue maps each setting key to its validation rule.  An unknown key
// in a config is itself a validation failure; typos must not silently
// become inert settings on a PEP.
var catalogue = map[string]validator{
	KeyPollInterval:     intRange(10, 300),
	KeyDecisionLogBatch: intRange(1, 10000),
	KeyFailPolicy:       oneOf(string(model.FailClosed), string(model.FailOpen)),
	KeyPosture:          oneOf(string(model.PostureDenyAll), string(model.PostureAllowAll)),
	KeyTLSVerify:        boolean,
	KeyTLSMinVersion:    oneOf("", "1.2", "1.3"),

	KeyUpstreamURL:        anyString,
	KeyPublicURL:          anyString,
	KeyDefaultProxyDomain: anyString,
	KeyProxyTimeoutMS:     intRange(1, 600000),

	KeySidecarPort:   intRange(1, 65535),
	KeyTrafficMode:   oneOf("", "all", "inbound", "outbound"),
	KeyInjectionMode: oneOf("", "manual", "auto"),
	KeyCPULimit:      pattern(cpuLimitRe, "a cpu quantity such as 500m or 2"),
	KeyMemoryLimit:   pattern(memoryLimitRe, "a memory quantity such as 256Mi or 1Gi"),
}

// Validate checks every setting against the catalogue and returns a
// validation error carrying one field error per offending key.
func Validate(s Settings) error {
	var fields []common.FieldError
	for key, value := range s {
		rule, ok := catalogue[key]
		if !ok {
			fields = append(fields, common.FieldError{Path: key, Reason: "unknown setting"})
			continue
		}
		if reason := rule(value); reason != "" {
			fields = append(fields, common.FieldError{Path: key, Reason: reason})
		}
	}
	if len(fields) > 0 {
		return common.Validation("invalid pep configuration", fields...)
	}
	return nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		// JSON round trips land here
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func intRange(lo, hi int) validator {
	return func(v interface{}) string {
		n, ok := asInt(v)
		if !ok {
			return "must be an integer"
		}
		if n < lo || n > hi {
			return fmt.Sprintf("must be between %d and %d", lo, hi)
		}
		return ""
	}
}

func oneOf(values ...string) validator {
	return func(v interface{}) string {
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		for _, want := range values {
			if s == want {
				return ""
			}
		}
		return fmt.Sprintf("must be one of %v", values)
	}
}

func boolean(v interface{}) string {
	if _, ok := v.(bool); !ok {
		return "must be a boolean"
	}
	return ""
}

func anyString(v interface{}) string {
	if _, ok := v.(string); !ok {
		return "must be a string"
	}
	return ""
}

func pattern(re *regexp.Regexp, hint string) validator {
	return func(v interface{}) string {
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if !re.MatchString(s) {
			return "must be " + hint
		}
		return ""
	}
}
