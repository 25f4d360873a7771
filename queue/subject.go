// Package queue carries tasks to workers and worker replies back to the
// orchestrator over NATS JetStream.
//
// Tasks are published on "<prefix>.<band>.<target type>.<task key>". The
// band token (high, normal, low) stands in for message priority: workers
// drain higher bands first.
package queue

import (
	"fmt"
	"slices"
	"strings"

	"github.com/c360studio/docflow/workflow"
)

// Band is a priority range that maps onto its own subject space.
type Band string

const (
	BandHigh   Band = "high"
	BandNormal Band = "normal"
	BandLow    Band = "low"
)

// Bands lists every band in the order workers drain them.
var Bands = []Band{BandHigh, BandNormal, BandLow}

// BandOf returns the band for a task priority: 7-10 high, 3-6 normal,
// 0-2 low.
func BandOf(priority int) Band {
	switch {
	case priority >= 7:
		return BandHigh
	case priority >= 3:
		return BandNormal
	default:
		return BandLow
	}
}

// RoutingKey returns "<target type>.<task key>".
func RoutingKey(targetType, taskKey string) string {
	return targetType + "." + taskKey
}

// TaskSubject returns the subject a task with the given routing key and
// priority is published on.
func TaskSubject(prefix string, band Band, routingKey string) string {
	return prefix + "." + string(band) + "." + routingKey
}

// ValidateRoutingKey rejects routing keys that would not form a literal
// two-token subject.
func ValidateRoutingKey(routingKey string) error {
	tokens := strings.Split(routingKey, ".")
	if len(tokens) != 2 {
		return fmt.Errorf("%w: %q must have the form <type>.<key>", ErrInvalidRoutingKey, routingKey)
	}
	for _, tok := range tokens {
		if tok == "" || strings.ContainsAny(tok, "*># \t\r\n") {
			return fmt.Errorf("%w: %q", ErrInvalidRoutingKey, routingKey)
		}
	}
	return nil
}

// BindingTypes are the accepted first tokens of a binding key.
var BindingTypes = append(slices.Clone(workflow.TargetTypes), "*", "#")

// ValidateBindingKey checks that the type filter of a binding key such as
// "#.ASR" or "Video.*" is a target type or a wildcard.
func ValidateBindingKey(bindingKey string) error {
	tokens := strings.Split(bindingKey, ".")
	if !slices.Contains(BindingTypes, tokens[0]) {
		return fmt.Errorf("%w: type filter %q, valid types are: %s",
			ErrInvalidBindingKey, tokens[0], strings.Join(BindingTypes, ", "))
	}
	for _, tok := range tokens[1:] {
		if tok == "" {
			return fmt.Errorf("%w: empty token in %q", ErrInvalidBindingKey, bindingKey)
		}
	}
	return nil
}

// FilterSubject converts a binding key into a NATS filter subject within a
// band. "*" matches one token; "#" matches the rest of the subject when it
// is the last token and a single token otherwise, since routing keys always
// have two tokens.
func FilterSubject(prefix string, band Band, bindingKey string) string {
	tokens := strings.Split(bindingKey, ".")
	for i, tok := range tokens {
		if tok == "#" {
			if i == len(tokens)-1 {
				tokens[i] = ">"
			} else {
				tokens[i] = "*"
			}
		}
	}
	return prefix + "." + string(band) + "." + strings.Join(tokens, ".")
}

// SubjectMatches reports whether a literal subject falls under a filter
// subject that may contain "*" and ">" wildcards.
func SubjectMatches(filter, subject string) bool {
	if filter == "" || filter == ">" {
		return true
	}
	ft := strings.Split(filter, ".")
	st := strings.Split(subject, ".")
	for i, tok := range ft {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(ft) == len(st)
}
