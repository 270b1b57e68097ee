package reconcile

import (
	"context"
	"testing"

	"github.com/anoixa/product-images/cache/memory"
	"github.com/anoixa/product-images/database/dbtest"
	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/database/repo/products"
	"github.com/anoixa/product-images/database/repo/records"
	"github.com/anoixa/product-images/internal/errs"
	"github.com/anoixa/product-images/internal/lock"
	"github.com/anoixa/product-images/internal/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	r        *Reconciler
	products *products.Repository
	records  *records.Repository
	reader   *resolver.Reader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := dbtest.NewProvider(t)
	db := p.DB()
	recs := records.NewRepository(db)
	prods := products.NewRepository(db)
	mem, err := memory.NewMemory(memory.DefaultConfig())
	require.NoError(t, err)
	reader := resolver.NewReader(recs, prods, mem, 0, nil)
	return &fixture{
		db:       db,
		r:        New(p, recs, prods, lock.NewMemoryLocker(), reader, nil, 2),
		products: prods,
		records:  recs,
		reader:   reader,
	}
}

func (f *fixture) product(t *testing.T, id string) *models.Product {
	t.Helper()
	p, err := f.products.GetByID(id)
	require.NoError(t, err)
	return p
}

func TestReconcile_RewritesEmbeddedArray(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dbtest.SeedProduct(t, f.db, &models.Product{
		ID: "p1",
		EmbeddedImages: models.EmbeddedImages{
			{URL: "https://shop/a.jpg", IsPrimary: true, Order: 0},
			{URL: "https://shop/legacy.jpg", Order: 1},
		},
	})
	dbtest.SeedRecord(t, f.db, &models.ImageRecord{ProductScopeID: "p1", ExternalURL: "https://shop/a.jpg", ApprovalStatus: models.StatusApproved, SortOrder: 1})
	dbtest.SeedRecord(t, f.db, &models.ImageRecord{
		ProductScopeID: "p1",
		ApprovalStatus: models.StatusApproved,
		IsPrimary:      true,
		IsDownloaded:   true,
		SourceURLs:     models.SourceURLs{Original: "https://cdn/b/original.jpg", Card: "https://cdn/b/card.jpg", Thumbnail: "https://cdn/b/thumbnail.jpg"},
	})

	out, err := f.r.Reconcile(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, resolver.SourceProduct, out.Source)

	p := f.product(t, "p1")
	require.Len(t, p.EmbeddedImages, 3)
	assert.Equal(t, "https://cdn/b/original.jpg", p.EmbeddedImages[0].URL)
	assert.True(t, p.EmbeddedImages[0].IsPrimary)
	assert.Equal(t, "https://shop/a.jpg", p.EmbeddedImages[1].URL)
	assert.False(t, p.EmbeddedImages[1].IsPrimary)
	assert.Equal(t, "https://shop/legacy.jpg", p.EmbeddedImages[2].URL)
	assert.False(t, p.EmbeddedImages[2].IsPrimary)
	for i, e := range p.EmbeddedImages {
		assert.Equal(t, i, e.Order)
	}

	assert.Equal(t, "https://cdn/b/card.jpg", p.CachedImageURL)
	assert.Equal(t, "https://cdn/b/thumbnail.jpg", p.CachedThumbnailURL)
	assert.True(t, p.HasDisplayableImage)
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p1", EmbeddedImages: models.EmbeddedImages{{URL: "https://shop/x.jpg"}}})
	dbtest.SeedRecord(t, f.db, &models.ImageRecord{ProductScopeID: "p1", ExternalURL: "https://shop/y.jpg", ApprovalStatus: models.StatusApproved})

	_, err := f.r.Reconcile(ctx, "p1")
	require.NoError(t, err)
	first := f.product(t, "p1")

	out, err := f.r.Reconcile(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, out.Changed)

	second := f.product(t, "p1")
	assert.Equal(t, first.EmbeddedImages, second.EmbeddedImages)
	assert.Equal(t, first.ImageCache(), second.ImageCache())
	assert.Equal(t, first.ImagesVersion, second.ImagesVersion, "no write when nothing changed")
}

func TestReconcile_NeverDeletesRecords(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p1"})
	dbtest.SeedRecord(t, f.db, &models.ImageRecord{ProductScopeID: "p1", ExternalURL: "https://shop/r.jpg", ApprovalStatus: models.StatusRejected})
	dbtest.SeedRecord(t, f.db, &models.ImageRecord{ProductScopeID: "p1", ExternalURL: "https://shop/p.jpg", ApprovalStatus: models.StatusPending})

	_, err := f.r.Reconcile(context.Background(), "p1")
	require.NoError(t, err)

	var count int64
	require.NoError(t, f.db.Model(&models.ImageRecord{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	p := f.product(t, "p1")
	assert.Empty(t, p.EmbeddedImages)
	assert.False(t, p.HasDisplayableImage)
}

func TestReconcile_MissingProduct(t *testing.T) {
	f := newFixture(t)
	_, err := f.r.Reconcile(context.Background(), "ghost")
	assert.True(t, errs.IsNotFound(err))
}

func TestReconcile_InvalidatesVisibleCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p1"})

	v, err := f.reader.Visible(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, v.Images)

	dbtest.SeedRecord(t, f.db, &models.ImageRecord{ProductScopeID: "p1", ExternalURL: "https://shop/n.jpg", ApprovalStatus: models.StatusApproved})
	_, err = f.r.Reconcile(ctx, "p1")
	require.NoError(t, err)

	v, err = f.reader.Visible(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop/n.jpg"}, v.URLs())
}

func TestReconcileCanonical_UpdatesMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dbtest.SeedCanonical(t, f.db, &models.CanonicalProduct{ID: "c1"})
	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p1", CanonicalID: "c1"})
	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p2", CanonicalID: "c1"})
	dbtest.SeedRecord(t, f.db, &models.ImageRecord{CanonicalScopeID: "c1", ExternalURL: "https://shop/c.jpg", ApprovalStatus: models.StatusApproved})

	outs, err := f.r.ReconcileCanonical(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, outs, 2)
	for _, id := range []string{"p1", "p2"} {
		p := f.product(t, id)
		require.Len(t, p.EmbeddedImages, 1)
		assert.Equal(t, "https://shop/c.jpg", p.CachedImageURL)
	}

	_, err = f.r.ReconcileCanonical(ctx, "ghost")
	assert.True(t, errs.IsNotFound(err))
}

func TestReconcileAll(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		dbtest.SeedProduct(t, f.db, &models.Product{ID: id})
		dbtest.SeedRecord(t, f.db, &models.ImageRecord{ProductScopeID: id, ExternalURL: "https://shop/" + id + ".jpg", ApprovalStatus: models.StatusApproved})
	}

	summary, err := f.r.ReconcileAll(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 3, Changed: 3}, summary)

	summary, err = f.r.ReconcileAll(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 3}, summary)
}
