package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/phenrril/ecomcore/internal/domain"
	"github.com/phenrril/ecomcore/internal/validate"
)

type CategoryInput struct {
	Name     string     `json:"name" validate:"required,max=100"`
	ParentID *uuid.UUID `json:"parent_id"`
	Active   *bool      `json:"active"`
}

// CategoryPatch changes only the fields that are set. ClearParent moves the
// category to the root level.
type CategoryPatch struct {
	Name        *string    `json:"name" validate:"omitempty,min=1,max=100"`
	ParentID    *uuid.UUID `json:"parent_id"`
	ClearParent bool       `json:"clear_parent"`
	Active      *bool      `json:"active"`
}

type CategoryView struct {
	domain.Category
	FullPath  string            `json:"full_path"`
	Depth     int               `json:"depth"`
	Ancestors []domain.Category `json:"ancestors"`
}

type CategoryUC struct {
	Categories domain.CategoryRepo
	Products   domain.ProductRepo
	Tx         domain.Transactor
	Cache      domain.Cache
	CacheTTL   time.Duration

	sf singleflight.Group
}

func (uc *CategoryUC) cache() readThrough { return readThrough{c: uc.Cache, ttl: uc.CacheTTL} }

func (uc *CategoryUC) forest(ctx context.Context) (*domain.CategoryForest, error) {
	all, err := uc.Categories.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return domain.NewCategoryForest(all), nil
}

// cached serves key from the cache, collapsing concurrent misses into one load.
func cached[T any](ctx context.Context, uc *CategoryUC, key string, load func() (T, error)) (T, error) {
	var out T
	if uc.cache().get(ctx, key, &out) {
		return out, nil
	}
	v, err, _ := uc.sf.Do(key, func() (any, error) {
		res, err := load()
		if err != nil {
			return nil, err
		}
		uc.cache().set(ctx, key, res, uc.CacheTTL)
		return res, nil
	})
	if err != nil {
		return out, err
	}
	return v.(T), nil
}

func (uc *CategoryUC) Tree(ctx context.Context) ([]*domain.CategoryNode, error) {
	return cached(ctx, uc, keyCategoryTree, func() ([]*domain.CategoryNode, error) {
		f, err := uc.forest(ctx)
		if err != nil {
			return nil, err
		}
		log.Debug().Int("categories", f.Len()).Msg("category tree built")
		return f.BuildTree(f.Roots()), nil
	})
}

func (uc *CategoryUC) Roots(ctx context.Context) ([]domain.Category, error) {
	return cached(ctx, uc, keyCategoryRoots, func() ([]domain.Category, error) {
		f, err := uc.forest(ctx)
		if err != nil {
			return nil, err
		}
		return f.Roots(), nil
	})
}

func (uc *CategoryUC) GetBySlug(ctx context.Context, slug string) (*CategoryView, error) {
	f, err := uc.forest(ctx)
	if err != nil {
		return nil, err
	}
	c, ok := f.BySlug(slug)
	if !ok {
		return nil, fmt.Errorf("%w: category %q", domain.ErrNotFound, slug)
	}
	anc := f.Ancestors(c.ID)
	if anc == nil {
		anc = []domain.Category{}
	}
	return &CategoryView{Category: c, FullPath: f.FullPath(c.ID), Depth: len(anc), Ancestors: anc}, nil
}

func (uc *CategoryUC) Descendants(ctx context.Context, slug string) ([]domain.Category, error) {
	return cached(ctx, uc, keyCategoryDescendants+slug, func() ([]domain.Category, error) {
		f, err := uc.forest(ctx)
		if err != nil {
			return nil, err
		}
		c, ok := f.BySlug(slug)
		if !ok {
			return nil, fmt.Errorf("%w: category %q", domain.ErrNotFound, slug)
		}
		return f.DescendantsDFS(c.ID), nil
	})
}

// AllProducts returns the products of the category and of its active
// descendants.
func (uc *CategoryUC) AllProducts(ctx context.Context, slug string) ([]domain.Product, error) {
	f, err := uc.forest(ctx)
	if err != nil {
		return nil, err
	}
	c, ok := f.BySlug(slug)
	if !ok {
		return nil, fmt.Errorf("%w: category %q", domain.ErrNotFound, slug)
	}
	ids := []uuid.UUID{c.ID}
	for _, d := range f.DescendantsDFS(c.ID) {
		ids = append(ids, d.ID)
	}
	return uc.Products.ListByCategoryIDs(ctx, ids, false)
}

func (uc *CategoryUC) Create(ctx context.Context, actor domain.Actor, in CategoryInput) (*domain.Category, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	c := &domain.Category{
		ID:       uuid.New(),
		Name:     strings.TrimSpace(in.Name),
		ParentID: in.ParentID,
		Active:   true,
	}
	c.Slug = domain.Slugify(c.Name)
	if c.Slug == "" {
		return nil, domain.NewValidationError("invalid input", map[string]string{"name": "slug"})
	}
	if in.Active != nil {
		c.Active = *in.Active
	}
	if c.ParentID != nil {
		if _, err := uc.Categories.FindByID(ctx, *c.ParentID); err != nil {
			return nil, fmt.Errorf("parent category: %w", err)
		}
	}
	if err := uc.Categories.Create(ctx, c); err != nil {
		return nil, err
	}
	uc.invalidate(ctx, c.ID, c.Slug)
	log.Info().Str("category", c.Slug).Msg("category created")
	return c, nil
}

func (uc *CategoryUC) Update(ctx context.Context, actor domain.Actor, id uuid.UUID, patch CategoryPatch) (*domain.Category, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := validate.Struct(patch); err != nil {
		return nil, err
	}
	var (
		out       *domain.Category
		staleKeys []string
	)
	err := uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := uc.Categories.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		f, err := uc.forest(ctx)
		if err != nil {
			return err
		}
		// the old chain loses this subtree, so its descendant lists go stale
		staleKeys = descendantKeys(f, c.ID, c.Slug)

		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			slug := domain.Slugify(name)
			if slug == "" {
				return domain.NewValidationError("invalid input", map[string]string{"name": "slug"})
			}
			c.Name, c.Slug = name, slug
		}
		switch {
		case patch.ClearParent:
			c.ParentID = nil
		case patch.ParentID != nil:
			if err := f.CheckReparent(c.ID, patch.ParentID); err != nil {
				return err
			}
			if _, ok := f.Get(*patch.ParentID); !ok {
				return fmt.Errorf("%w: parent category %s", domain.ErrNotFound, patch.ParentID)
			}
			pid := *patch.ParentID
			c.ParentID = &pid
		}
		if patch.Active != nil {
			c.Active = *patch.Active
		}
		if err := uc.Categories.Save(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	uc.cache().del(ctx, staleKeys...)
	uc.invalidate(ctx, out.ID, out.Slug)
	log.Info().Str("category", out.Slug).Msg("category updated")
	return out, nil
}

// Delete removes the category with its whole subtree. Products that pointed
// into the subtree lose their category.
func (uc *CategoryUC) Delete(ctx context.Context, actor domain.Actor, id uuid.UUID) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	var stale, products []string
	err := uc.Tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := uc.Categories.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		f, err := uc.forest(ctx)
		if err != nil {
			return err
		}
		stale = descendantKeys(f, c.ID, c.Slug)
		ids := []uuid.UUID{c.ID}
		for _, d := range f.Subtree(c.ID) {
			ids = append(ids, d.ID)
			stale = append(stale, keyCategoryDescendants+d.Slug)
		}
		affected, err := uc.Products.ListByCategoryIDs(ctx, ids, false)
		if err != nil {
			return err
		}
		for _, p := range affected {
			products = append(products, p.Slug)
		}
		if err := uc.Products.ClearCategory(ctx, ids); err != nil {
			return err
		}
		return uc.Categories.DeleteMany(ctx, ids)
	})
	if err != nil {
		return err
	}
	uc.cache().del(ctx, append(stale, keyCategoryTree, keyCategoryRoots)...)
	if len(products) > 0 {
		uc.cache().dropProducts(ctx, products...)
	}
	log.Info().Str("category_id", id.String()).Int("keys", len(stale)).Int("products", len(products)).Msg("category subtree deleted")
	return nil
}

// invalidate drops the tree, the roots and the descendant lists of the
// category and every ancestor it currently has.
func (uc *CategoryUC) invalidate(ctx context.Context, id uuid.UUID, slug string) {
	keys := []string{keyCategoryTree, keyCategoryRoots}
	f, err := uc.forest(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("category cache invalidation, dropping own key only")
		keys = append(keys, keyCategoryDescendants+slug)
	} else {
		keys = append(keys, descendantKeys(f, id, slug)...)
	}
	uc.cache().del(ctx, keys...)
}

func descendantKeys(f *domain.CategoryForest, id uuid.UUID, slug string) []string {
	keys := []string{keyCategoryDescendants + slug}
	for _, a := range f.Ancestors(id) {
		keys = append(keys, keyCategoryDescendants+a.Slug)
	}
	return keys
}

func requireAdmin(actor domain.Actor) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: admin role required", domain.ErrForbidden)
	}
	return nil
}
