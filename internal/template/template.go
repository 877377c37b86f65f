package template

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"GatherSend/internal/models"
)

var (
	// ErrNotFound means no template with the requested name exists.
	ErrNotFound = errors.New("template not found")
	// ErrInactive means the template exists but is not selectable for new
	// sends.
	ErrInactive = errors.New("template inactive")
	// ErrNotApproved means the provider has not approved the template for
	// the chat channel.
	ErrNotApproved = errors.New("template not approved by provider")
)

// ValidationError lists the required variables missing from a dispatch
// request. Render is never attempted when validation fails.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing template variables: %s", strings.Join(e.Missing, ", "))
}

// Store is the slice of persistence this package reads.
type Store interface {
	TemplateByName(ctx context.Context, name string) (*models.Template, error)
}

// Registry loads templates and enforces the active flag.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Load returns the named template or ErrNotFound/ErrInactive. An inactive
// template is never selectable for new sends.
func (r *Registry) Load(ctx context.Context, name string) (*models.Template, error) {
	tmpl, err := r.store.TemplateByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !tmpl.Active {
		return nil, fmt.Errorf("%w: %s", ErrInactive, name)
	}
	return tmpl, nil
}

// Validate checks every required variable is present and non-empty. The
// returned error lists all missing names, sorted, so the caller can surface
// the complete set at once.
func Validate(tmpl *models.Template, vars map[string]string) error {
	var missing []string
	for _, name := range tmpl.RequiredVars {
		if strings.TrimSpace(vars[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &ValidationError{Missing: missing}
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Render substitutes {{name}} placeholders from vars. Substitution is
// deterministic and unmatched placeholders are left as literal text rather
// than rendered empty, so a skipped validation shows up in the output.
func Render(content string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(content, func(tok string) string {
		name := placeholderPattern.FindStringSubmatch(tok)[1]
		if val, ok := vars[name]; ok && val != "" {
			return val
		}
		return tok
	})
}
