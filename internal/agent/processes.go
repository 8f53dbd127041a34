package agent

import (
	"context"
	"fmt"
	"time"

	"paperline/internal/domain"
	"paperline/internal/domain/event"
	"paperline/internal/services"
)

// callTimeout bounds each external service call independently of the rule
// run's overall context.
const callTimeout = 20 * time.Second

// RegisterBuiltins wires the standard processes against the external service
// clients. Rules refer to them by these names.
func RegisterBuiltins(r *Runner, fm *services.FileManager, cl *services.Classifier, cp *services.Compiler) {
	r.Register("classification", Classification(cl))
	r.Register("overlap", Overlap(cl))
	r.Register("plaintext", Plaintext(cl))
	r.Register("size-limit", SizeLimit(fm))
	r.Register("source-audit", SourceAudit(fm))
	r.Register("preview-build", PreviewBuild(cp))
}

// Classification fetches category suggestions for the current source package
// and records them on the submission.
func Classification(cl *services.Classifier) ProcessFunc {
	return func(ctx context.Context, evt event.Event, state *domain.Submission, params map[string]any) ([]event.Payload, error) {
		if state == nil || state.SourceContent == nil {
			return nil, nil
		}
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		results, err := cl.Classify(ctx, state.SourceContent.SourceID)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			return nil, nil
		}
		return []event.Payload{&event.AddClassifierResults{Results: results}}, nil
	}
}

// Overlap flags submissions whose text overlaps an existing paper above a
// threshold (param "threshold", default 0.7).
func Overlap(cl *services.Classifier) ProcessFunc {
	return func(ctx context.Context, evt event.Event, state *domain.Submission, params map[string]any) ([]event.Payload, error) {
		if state == nil || state.SourceContent == nil {
			return nil, nil
		}
		threshold := paramFloat(params, "threshold", 0.7)
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		matches, err := cl.Overlap(ctx, state.SourceContent.SourceID)
		if err != nil {
			return nil, err
		}
		var payloads []event.Payload
		for _, m := range matches {
			if m.Score < threshold {
				continue
			}
			payloads = append(payloads, &event.AddFlag{
				Kind:   "overlap",
				Reason: fmt.Sprintf("overlaps %s (score %.2f)", m.PaperID, m.Score),
			})
		}
		return payloads, nil
	}
}

// Plaintext triggers text extraction for the current source package.
func Plaintext(cl *services.Classifier) ProcessFunc {
	return func(ctx context.Context, evt event.Event, state *domain.Submission, params map[string]any) ([]event.Payload, error) {
		if state == nil || state.SourceContent == nil {
			return nil, nil
		}
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		if err := cl.Plaintext(ctx, state.SourceContent.SourceID); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// SizeLimit flags source packages whose unpacked size exceeds the limit in
// bytes (param "max_bytes", default 500 MB).
func SizeLimit(fm *services.FileManager) ProcessFunc {
	return func(ctx context.Context, evt event.Event, state *domain.Submission, params map[string]any) ([]event.Payload, error) {
		if state == nil || state.SourceContent == nil {
			return nil, nil
		}
		maxBytes := int64(paramFloat(params, "max_bytes", 500*1024*1024))
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		size, err := fm.SourceSize(ctx, state.SourceContent.SourceID)
		if err != nil {
			return nil, err
		}
		if size <= maxBytes {
			return nil, nil
		}
		return []event.Payload{&event.AddFlag{
			Kind:   "oversize",
			Reason: fmt.Sprintf("source package is %d bytes, limit %d", size, maxBytes),
		}}, nil
	}
}

// SourceAudit checks the stored checksum against the file manager, which owns
// the authoritative value, and flags any drift.
func SourceAudit(fm *services.FileManager) ProcessFunc {
	return func(ctx context.Context, evt event.Event, state *domain.Submission, params map[string]any) ([]event.Payload, error) {
		if state == nil || state.SourceContent == nil {
			return nil, nil
		}
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		current, err := fm.SourceChecksum(ctx, state.SourceContent.SourceID)
		if err != nil {
			return nil, err
		}
		if current == state.SourceContent.Checksum {
			return nil, nil
		}
		return []event.Payload{&event.AddFlag{
			Kind:   "checksum-mismatch",
			Reason: fmt.Sprintf("file manager reports checksum %s for %s, submission recorded %s",
				current, state.SourceContent.SourceID, state.SourceContent.Checksum),
		}}, nil
	}
}

// PreviewBuild requests a compilation of the current source package so a
// preview is ready by the time the submitter asks for it. Confirming the
// preview stays a manual step.
func PreviewBuild(cp *services.Compiler) ProcessFunc {
	return func(ctx context.Context, evt event.Event, state *domain.Submission, params map[string]any) ([]event.Payload, error) {
		if state == nil || state.SourceContent == nil {
			return nil, nil
		}
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		build, err := cp.RequestBuild(ctx, state.SourceContent.SourceID, state.SourceContent.Checksum)
		if err != nil {
			return nil, err
		}
		if build.Status == services.BuildFailed {
			return nil, fmt.Errorf("preview build failed: %s", build.Log)
		}
		return nil, nil
	}
}

// paramFloat reads a numeric rule parameter, tolerating the int and float
// shapes yaml produces.
func paramFloat(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}
