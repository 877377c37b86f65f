package template

import (
	"context"
	"errors"
	"testing"

	"GatherSend/internal/models"
)

type mockStore struct {
	TemplateByNameFunc func(ctx context.Context, name string) (*models.Template, error)
}

func (m *mockStore) TemplateByName(ctx context.Context, name string) (*models.Template, error) {
	return m.TemplateByNameFunc(ctx, name)
}

func invitation() *models.Template {
	return &models.Template{
		Name:         "event_invitation",
		DisplayName:  "Event Invitation",
		Content:      "Hi {{guest_name}}, you are invited to {{event_name}}!",
		RequiredVars: []string{"guest_name", "event_name"},
		Active:       true,
		Approved:     true,
	}
}

func TestRegistryLoad(t *testing.T) {
	tmpl := invitation()
	store := &mockStore{
		TemplateByNameFunc: func(_ context.Context, name string) (*models.Template, error) {
			if name == tmpl.Name {
				return tmpl, nil
			}
			return nil, nil
		},
	}
	reg := NewRegistry(store)

	got, err := reg.Load(context.Background(), "event_invitation")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != tmpl.Name {
		t.Errorf("loaded %q, want %q", got.Name, tmpl.Name)
	}

	if _, err := reg.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown template: got %v, want ErrNotFound", err)
	}
}

func TestRegistryLoadInactive(t *testing.T) {
	tmpl := invitation()
	tmpl.Active = false
	store := &mockStore{
		TemplateByNameFunc: func(context.Context, string) (*models.Template, error) {
			return tmpl, nil
		},
	}

	if _, err := NewRegistry(store).Load(context.Background(), tmpl.Name); !errors.Is(err, ErrInactive) {
		t.Errorf("inactive template: got %v, want ErrInactive", err)
	}
}

func TestValidateListsAllMissing(t *testing.T) {
	tmpl := invitation()

	err := Validate(tmpl, map[string]string{"guest_name": "Ada"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Missing) != 1 || verr.Missing[0] != "event_name" {
		t.Errorf("missing = %v, want [event_name]", verr.Missing)
	}
}

func TestValidateEmptyValueCountsAsMissing(t *testing.T) {
	tmpl := invitation()

	err := Validate(tmpl, map[string]string{"guest_name": "Ada", "event_name": "   "})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Missing) != 1 || verr.Missing[0] != "event_name" {
		t.Errorf("missing = %v, want [event_name]", verr.Missing)
	}
}

func TestValidateComplete(t *testing.T) {
	if err := Validate(invitation(), map[string]string{
		"guest_name": "Ada",
		"event_name": "Launch Party",
	}); err != nil {
		t.Errorf("complete mapping should validate, got %v", err)
	}
}

func TestRender(t *testing.T) {
	out := Render(invitation().Content, map[string]string{
		"guest_name": "Ada",
		"event_name": "Launch Party",
	})
	want := "Hi Ada, you are invited to Launch Party!"
	if out != want {
		t.Errorf("Render = %q, want %q", out, want)
	}
}

func TestRenderLeavesUnmatchedPlaceholdersLiteral(t *testing.T) {
	out := Render("Hi {{guest_name}}, see you at {{event_name}}", map[string]string{
		"guest_name": "Ada",
	})
	want := "Hi Ada, see you at {{event_name}}"
	if out != want {
		t.Errorf("Render = %q, want %q", out, want)
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	vars := map[string]string{"guest_name": "Ada", "event_name": "Gala"}
	first := Render(invitation().Content, vars)
	for i := 0; i < 10; i++ {
		if got := Render(invitation().Content, vars); got != first {
			t.Fatalf("render %d differed: %q vs %q", i, got, first)
		}
	}
}
