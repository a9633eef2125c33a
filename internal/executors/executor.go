package executors

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/internal/template"
	"github.com/floehq/floe/internal/vault"
	"github.com/floehq/floe/pkg/schema"
)

// Request carries everything an executor needs for one node invocation.
type Request struct {
	Node    schema.Node
	RunID   string
	OwnerID string
	Mode    schema.ExecutionMode
	Scope   *template.Scope
}

// Resolve runs a configuration field through the template resolver. Under
// legacy mode unresolved tokens collapse to the empty string; under strict
// mode they surface as a RESOLUTION_ERROR.
func (r Request) Resolve(field string) (string, error) {
	if field == "" {
		return "", nil
	}
	out, err := template.Resolve(field, r.Scope, r.Mode.Strict())
	if err != nil {
		return "", err
	}
	return out, nil
}

// Executor runs one kind of node. Implementations resolve their templated
// config fields, enforce the credential ownership check via the vault, and
// normalize provider responses into the uniform NodeOutput shape. Each
// invocation performs at most one externally visible side effect.
type Executor interface {
	Kind() schema.NodeKind
	Execute(ctx context.Context, req Request) (schema.NodeOutput, error)
}

// Deps are the shared collaborators injected into provider executors.
type Deps struct {
	Vault  vault.Reader
	Tokens *vault.TokenCache
	Store  store.Store
	HTTP   *http.Client
	Logger *slog.Logger

	// CallbackBaseURL is the public ingress prefix for provider callbacks,
	// e.g. "https://hooks.example.com". Per-owner routes hang off it.
	CallbackBaseURL string

	// DefaultEmailKey is the deployment-wide Resend API key used when an
	// email node has no credential of its own.
	DefaultEmailKey string

	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d Deps) http() *http.Client {
	if d.HTTP != nil {
		return d.HTTP
	}
	return defaultHTTPClient
}

func (d Deps) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// skipOrFail implements the shared degraded-configuration policy: legacy mode
// publishes a skipped output and the run continues; strict mode fails the
// node with the given error.
func skipOrFail(mode schema.ExecutionMode, reason string, strictErr *schema.FloeError) (schema.NodeOutput, error) {
	if mode.Strict() {
		return schema.NodeOutput{}, strictErr
	}
	return schema.SkippedOutput(reason), nil
}

// normalizePhone strips a leading + and converts a leading 0 to the 254
// country prefix, the shape Kenyan mobile money endpoints expect.
func normalizePhone(phone string) string {
	p := strings.TrimSpace(phone)
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") {
		p = "254" + p[1:]
	}
	return p
}

// digitsOnly strips everything but digits; used for WhatsApp recipients.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// decodeConfig decodes and type-asserts the node config, converting decode
// failures into node-scoped validation errors.
func decodeConfig[T any](node schema.Node) (*T, error) {
	cfg, err := schema.DecodeNodeConfig(node)
	if err != nil {
		return nil, err
	}
	typed, ok := cfg.(*T)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"node %s: config type mismatch for kind %s", node.ID, node.Kind).WithNode(node.ID)
	}
	return typed, nil
}
