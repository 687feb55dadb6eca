package location

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/registrationcore/internal/platform/apperr"
	"github.com/ehr/registrationcore/internal/platform/settings"
)

// MaxDepth bounds the upward walk. Hierarchies are acyclic, so hitting it
// means the parent chain is malformed.
const MaxDepth = 64

// Properties is the read side of the runtime property store.
type Properties interface {
	Get(ctx context.Context, name string) (string, error)
}

// Directory looks locations up and knows the configured default.
type Directory struct {
	repo  Repository
	props Properties
}

func NewDirectory(repo Repository, props Properties) *Directory {
	return &Directory{repo: repo, props: props}
}

func (d *Directory) GetByID(ctx context.Context, id uuid.UUID) (*Location, error) {
	return d.repo.GetByID(ctx, id)
}

// GetDefault returns the location named by the default_location property
// (a uuid or a name), or nil when unset or unknown.
func (d *Directory) GetDefault(ctx context.Context) (*Location, error) {
	ref, err := d.props.Get(ctx, settings.KeyDefaultLocation)
	if err != nil {
		return nil, err
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	if id, err := uuid.Parse(ref); err == nil {
		loc, err := d.repo.GetByID(ctx, id)
		if err != nil || loc != nil {
			return loc, err
		}
	}
	return d.repo.GetByName(ctx, ref)
}

// FindAssignmentAuthority returns loc itself when it carries the assignment
// tag, otherwise its nearest tagged ancestor, or nil when the root is reached
// without one.
func (d *Directory) FindAssignmentAuthority(ctx context.Context, loc *Location) (*Location, error) {
	cur := loc
	for depth := 0; cur != nil; depth++ {
		if depth >= MaxDepth {
			return nil, apperr.Configurationf("location.find_assignment_authority",
				"location hierarchy above %s exceeds %d levels", loc.ID, MaxDepth)
		}
		if cur.HasTag(TagIdentifierAssignment) {
			return cur, nil
		}
		if cur.ParentID == nil {
			return nil, nil
		}
		parent, err := d.repo.GetByID(ctx, *cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("load parent location %s: %w", *cur.ParentID, err)
		}
		cur = parent
	}
	return nil, nil
}
