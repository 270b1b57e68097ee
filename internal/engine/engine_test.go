package engine

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/png"
	"net/http"
	"testing"
	"time"

	"github.com/anoixa/product-images/database/dbtest"
	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/database/repo/products"
	"github.com/anoixa/product-images/database/repo/records"
	"github.com/anoixa/product-images/internal/approval"
	"github.com/anoixa/product-images/internal/authz"
	"github.com/anoixa/product-images/internal/download"
	"github.com/anoixa/product-images/internal/errs"
	"github.com/anoixa/product-images/internal/lock"
	"github.com/anoixa/product-images/internal/primarycache"
	"github.com/anoixa/product-images/internal/reconcile"
	"github.com/anoixa/product-images/internal/resolver"
	"github.com/anoixa/product-images/internal/variant"
	"github.com/anoixa/product-images/internal/worker"
	"github.com/anoixa/product-images/storage"
	"github.com/disintegration/imaging"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const cdnBase = "https://cdn.example.com/img"

// inlineDispatcher 同步执行任务，错误只记录不返回，行为与后台任务一致
type inlineDispatcher struct {
	handler worker.Handler
	errs    []error
}

func (d *inlineDispatcher) Dispatch(ctx context.Context, job worker.DownloadJob) error {
	if err := d.handler(ctx, job.RecordID); err != nil {
		d.errs = append(d.errs, err)
	}
	return nil
}

func (d *inlineDispatcher) Close() error {
	return nil
}

type fixture struct {
	db         *gorm.DB
	engine     *Engine
	records    *records.Repository
	products   *products.Repository
	storage    storage.Provider
	dispatcher *inlineDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := dbtest.NewProvider(t)
	db := p.DB()
	recs := records.NewRepository(db)
	prods := products.NewRepository(db)
	locker := lock.NewMemoryLocker()

	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	cdn, err := storage.NewCDN(local, cdnBase)
	require.NoError(t, err)

	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)
	fetcher := variant.NewFetcher(client, variant.FetcherConfig{Retries: 1, Backoff: time.Millisecond})
	pipeline := variant.NewPipeline(cdn, fetcher, variant.NewImagingProcessor(), variant.Options{Quality: 80}, nil)

	reader := resolver.NewReader(recs, prods, nil, 0, nil)
	rec := reconcile.New(p, recs, prods, locker, reader, nil, 2)
	downloads := download.NewService(recs, prods, pipeline, rec, nil, download.Config{MaxAttempts: 3})
	dispatcher := &inlineDispatcher{handler: downloads.Handle}

	e := &Engine{
		Approval:   approval.NewService(p, recs, prods, locker, rec, dispatcher, nil, 2),
		Download:   downloads,
		Reconciler: rec,
		Reader:     reader,
		Cache:      primarycache.NewWriter(p, recs, prods, 2),
		Pipeline:   pipeline,
		Products:   prods,
	}
	return &fixture{db: db, engine: e, records: recs, products: prods, storage: local, dispatcher: dispatcher}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 10, G: 160, B: 90, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func as(role string) context.Context {
	return authz.WithActor(context.Background(), authz.NewActor("tester", role))
}

func scope(id string) models.Scope {
	return models.Scope{Kind: models.ScopeProduct, ID: id}
}

func TestEngine_CapabilityChecks(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p1"})

	var fe *errs.ForbiddenError

	_, err := f.engine.ListImages(context.Background(), scope("p1"))
	assert.True(t, errors.As(err, &fe))

	_, err = f.engine.RejectAll(as(authz.RoleReviewer), scope("p1"))
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, string(authz.CapBulk), fe.Capability)

	_, err = f.engine.Discover(as(authz.RoleReviewer), scope("p1"))
	assert.True(t, errors.As(err, &fe))

	_, err = f.engine.DeleteImage(as(authz.RoleAgent), "any")
	assert.True(t, errors.As(err, &fe))

	_, err = f.engine.Discover(as(authz.RoleAgent), scope("p1"))
	assert.True(t, errs.IsValidation(err), "discovery is not configured")

	_, err = f.engine.ReconcileCanonical(as(authz.RoleReviewer), "c1")
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, string(authz.CapOperate), fe.Capability)

	_, err = f.engine.RejectAll(as(authz.RoleAdmin), scope("p1"))
	assert.NoError(t, err)
}

func TestEngine_FailedBackgroundDownloadThenManualRetry(t *testing.T) {
	f := newFixture(t)
	ctx := as(authz.RoleReviewer)
	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p1"})
	rec := dbtest.SeedRecord(t, f.db, &models.ImageRecord{ProductScopeID: "p1", ExternalURL: "https://shop.example.com/p1.png"})

	httpmock.RegisterResponder("GET", "https://shop.example.com/p1.png", httpmock.NewStringResponder(404, "missing"))

	res, err := f.engine.Approve(ctx, scope("p1"), []string{rec.ID}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, res.Enqueued)
	require.Len(t, f.dispatcher.errs, 1)

	got, err := f.records.GetByID(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.ApprovalStatus)
	assert.False(t, got.IsDownloaded)

	httpmock.RegisterResponder("GET", "https://shop.example.com/p1.png", httpmock.NewBytesResponder(200, pngBytes(t, 400, 300)))

	got, err = f.engine.DownloadToCDN(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDownloaded)

	var n int64
	require.NoError(t, f.db.Model(&models.ImageRecord{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestEngine_SetHeroFromNewURL(t *testing.T) {
	f := newFixture(t)
	ctx := as(authz.RoleReviewer)
	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p1"})

	httpmock.RegisterResponder("GET", "https://shop.example.com/hero.png", httpmock.NewBytesResponder(200, pngBytes(t, 800, 600)))

	res, err := f.engine.SetHero(ctx, scope("p1"), "https://shop.example.com/hero.png")
	require.NoError(t, err)
	assert.True(t, res.Image.IsPrimary)
	assert.True(t, res.Image.IsDownloaded)
	assert.Equal(t, models.StatusApproved, res.Image.ApprovalStatus)
	assert.Equal(t, "https://shop.example.com/hero.png", res.Image.ExternalURL)

	assert.Equal(t, res.Image.SourceURLs.Card, res.Cache.CachedImageURL)
	assert.Equal(t, res.Image.SourceURLs.Thumbnail, res.Cache.CachedThumbnailURL)
	assert.True(t, res.Cache.HasDisplayableImage)

	p, err := f.products.GetByID("p1")
	require.NoError(t, err)
	assert.Equal(t, res.Cache, p.ImageCache())

	// 再次设置同一地址复用记录
	again, err := f.engine.SetHero(ctx, scope("p1"), "https://shop.example.com/hero.png")
	require.NoError(t, err)
	assert.Equal(t, res.Image.ID, again.Image.ID)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestEngine_SetHeroExistingRecordWithFailingDownload(t *testing.T) {
	f := newFixture(t)
	ctx := as(authz.RoleReviewer)
	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p1"})
	rec := dbtest.SeedRecord(t, f.db, &models.ImageRecord{ProductScopeID: "p1", ExternalURL: "https://shop.example.com/gone.png"})
	httpmock.RegisterResponder("GET", "https://shop.example.com/gone.png", httpmock.NewStringResponder(404, "gone"))

	res, err := f.engine.SetHero(ctx, scope("p1"), rec.ID)
	require.NoError(t, err)
	assert.True(t, res.Image.IsPrimary)
	assert.False(t, res.Image.IsDownloaded)
	assert.Equal(t, "https://shop.example.com/gone.png", res.Cache.CachedImageURL)
	assert.Equal(t, "https://shop.example.com/gone.png", res.Cache.CachedThumbnailURL)
}

func TestEngine_SetHeroRejectsForeignAndRejected(t *testing.T) {
	f := newFixture(t)
	ctx := as(authz.RoleReviewer)
	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p1"})
	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p2"})
	foreign := dbtest.SeedRecord(t, f.db, &models.ImageRecord{ProductScopeID: "p2", ExternalURL: "https://shop.example.com/2.png"})
	rejected := dbtest.SeedRecord(t, f.db, &models.ImageRecord{ProductScopeID: "p1", ExternalURL: "https://shop.example.com/r.png", ApprovalStatus: models.StatusRejected})

	_, err := f.engine.SetHero(ctx, scope("p1"), foreign.ID)
	assert.True(t, errs.IsValidation(err))

	_, err = f.engine.SetHero(ctx, scope("p1"), rejected.ID)
	assert.True(t, errs.IsValidation(err))

	_, err = f.engine.SetHero(ctx, scope("p1"), "  ")
	assert.True(t, errs.IsValidation(err))
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestEngine_UploadAndFinalizeCleansCDN(t *testing.T) {
	f := newFixture(t)
	ctx := as(authz.RoleAdmin)
	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p1"})

	var approved []string
	for i := 0; i < models.MaxApprovedPerScope; i++ {
		rec, err := f.engine.Upload(ctx, scope("p1"), pngBytes(t, 100+i, 100))
		require.NoError(t, err)
		assert.Equal(t, models.StatusApproved, rec.ApprovalStatus)
		assert.True(t, rec.IsDownloaded)
		approved = append(approved, rec.ID)
	}

	extra, err := f.engine.Upload(ctx, scope("p1"), pngBytes(t, 64, 64))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, extra.ApprovalStatus)

	_, err = f.engine.SetPrimary(ctx, scope("p1"), approved[0])
	require.NoError(t, err)

	res, err := f.engine.Finalize(ctx, scope("p1"))
	require.NoError(t, err)
	require.Len(t, res.Deleted, 1)
	assert.Equal(t, extra.ID, res.Deleted[0].ID)

	for _, name := range models.VariantNames {
		ok, err := f.storage.Exists(context.Background(), variant.StoragePath(extra.PublicID, name))
		require.NoError(t, err)
		assert.False(t, ok, name)
	}
	ok, err := f.storage.Exists(context.Background(), variant.StoragePath(approved[0], models.VariantCard))
	require.NoError(t, err)
	assert.False(t, ok, "storage paths are keyed by public id, not record id")
}

func TestEngine_UploadRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p1"})

	_, err := f.engine.Upload(as(authz.RoleReviewer), scope("p1"), []byte("not an image"))
	assert.True(t, errs.IsValidation(err))
}

func TestEngine_DeleteImageRemovesOwnedVariants(t *testing.T) {
	f := newFixture(t)
	ctx := as(authz.RoleAdmin)
	dbtest.SeedProduct(t, f.db, &models.Product{ID: "p1"})

	rec, err := f.engine.Upload(ctx, scope("p1"), pngBytes(t, 120, 90))
	require.NoError(t, err)

	_, err = f.engine.DeleteImage(ctx, rec.ID)
	require.NoError(t, err)

	ok, err := f.storage.Exists(context.Background(), variant.StoragePath(rec.PublicID, models.VariantOriginal))
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := f.products.GetByID("p1")
	require.NoError(t, err)
	assert.False(t, p.HasDisplayableImage)
	assert.Empty(t, p.EmbeddedImages)
}

func TestEngine_VisibleAndOperations(t *testing.T) {
	f := newFixture(t)
	ctx := as(authz.RoleAdmin)
	dbtest.SeedProduct(t, f.db, &models.Product{
		ID:             "p1",
		EmbeddedImages: models.EmbeddedImages{{URL: "https://shop.example.com/legacy.jpg", IsPrimary: true}},
	})

	v, err := f.engine.Visible(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, resolver.SourceEmbedded, v.Source)

	bf, err := f.engine.Backfill(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, bf.Created, 1)

	out, err := f.engine.Reconcile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, resolver.SourceProduct, out.Source)

	c, err := f.engine.RefreshCache(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/legacy.jpg", c.CachedImageURL)

	sum, err := f.engine.ReconcileAll(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Scanned)
	assert.Zero(t, sum.Failed)
}
