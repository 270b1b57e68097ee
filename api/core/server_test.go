package core

import (
	"bytes"
	"encoding/json"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/anoixa/product-images/config"
	"github.com/anoixa/product-images/database/dbtest"
	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/database/repo/products"
	"github.com/anoixa/product-images/database/repo/records"
	"github.com/anoixa/product-images/internal/approval"
	"github.com/anoixa/product-images/internal/auth"
	"github.com/anoixa/product-images/internal/authz"
	"github.com/anoixa/product-images/internal/download"
	"github.com/anoixa/product-images/internal/engine"
	"github.com/anoixa/product-images/internal/errs"
	"github.com/anoixa/product-images/internal/lock"
	"github.com/anoixa/product-images/internal/primarycache"
	"github.com/anoixa/product-images/internal/reconcile"
	"github.com/anoixa/product-images/internal/resolver"
	"github.com/anoixa/product-images/internal/variant"
	"github.com/anoixa/product-images/storage"
	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	cdnBase    = "http://localhost:8080/cdn"
)

type testServer struct {
	router  *gin.Engine
	db      *gorm.DB
	records *records.Repository
	jwt     *auth.JWTService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	p := dbtest.NewProvider(t)
	db := p.DB()
	recs := records.NewRepository(db)
	prods := products.NewRepository(db)
	locker := lock.NewMemoryLocker()

	dir := t.TempDir()
	local, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	cdn, err := storage.NewCDN(local, cdnBase)
	require.NoError(t, err)

	fetcher := variant.NewFetcher(&http.Client{Timeout: time.Second}, variant.FetcherConfig{Retries: 1})
	pipeline := variant.NewPipeline(cdn, fetcher, variant.NewImagingProcessor(), variant.Options{Quality: 80}, nil)
	reader := resolver.NewReader(recs, prods, nil, 0, nil)
	rec := reconcile.New(p, recs, prods, locker, reader, nil, 2)

	e := &engine.Engine{
		Approval:   approval.NewService(p, recs, prods, locker, rec, nil, nil, 2),
		Download:   download.NewService(recs, prods, pipeline, rec, nil, download.Config{MaxAttempts: 3}),
		Reconciler: rec,
		Reader:     reader,
		Cache:      primarycache.NewWriter(p, recs, prods, 2),
		Pipeline:   pipeline,
		Products:   prods,
	}

	jwtService, err := auth.NewJWTService(testSecret, time.Hour)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	cfg := &config.Config{
		CorsAllowOrigins:      "*",
		StorageType:           "local",
		StorageLocalPath:      dir,
		CDNBaseURL:            cdnBase,
		WorkerCount:           2,
		PipelineMaxDownloadMB: 5,
		RateLimitApiRPS:       1000,
		RateLimitApiBurst:     1000,
		RateLimitExpire:       time.Minute,
	}

	router, cleanup := setupRouter(&ServerDependencies{
		Config:     cfg,
		Engine:     e,
		JWT:        jwtService,
		DB:         p,
		Storage:    local,
		Registerer: registry,
		Gatherer:   registry,
	})
	t.Cleanup(cleanup)

	return &testServer{router: router, db: db, records: recs, jwt: jwtService}
}

func (s *testServer) token(t *testing.T, role string) string {
	t.Helper()
	tok, _, err := s.jwt.GenerateAccessToken("tester-"+role, role)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, role string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, role))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Status string          `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if dest != nil {
		require.NoError(t, json.Unmarshal(env.Data, dest))
	}
	return env
}

func seedPending(t *testing.T, db *gorm.DB, productID string, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		rec := dbtest.SeedRecord(t, db, &models.ImageRecord{
			ProductScopeID: productID,
			ExternalURL:    "https://shop.example.com/" + productID + "/" + string(rune('a'+i)) + ".jpg",
			SortOrder:      i,
		})
		ids[i] = rec.ID
	}
	return ids
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, map[string]string{"database": "ok", "cache": "ok", "storage": "ok"}, body.Checks)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/version", "", nil)

	w := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `product_images_http_requests_total{method="GET",route="/version",status="200"} 1`)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	dbtest.SeedProduct(t, s.db, &models.Product{ID: "p1"})

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/scopes/product/p1/images", "", nil).Code)

	w := s.do(t, http.MethodGet, "/api/v1/scopes/product/p1/images", authz.RoleReviewer, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/scopes/brand/p1/images", authz.RoleReviewer, nil).Code)
}

func TestReviewFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	dbtest.SeedProduct(t, s.db, &models.Product{ID: "p1"})
	ids := seedPending(t, s.db, "p1", 7)
	base := "/api/v1/scopes/product/p1"

	w := s.do(t, http.MethodPost, base+"/approve", authz.RoleReviewer, gin.H{"imageIds": ids[:3]})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 超出上限：422，载荷完整，状态不变
	w = s.do(t, http.MethodPost, base+"/approve", authz.RoleReviewer, gin.H{"imageIds": ids[3:6]})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	var capErr errs.ValidationError
	env := decode(t, w, &capErr)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, errs.CodeCapExceeded, capErr.Code)
	assert.Equal(t, 3, capErr.CurrentApprovedCount)
	assert.Equal(t, 3, capErr.RequestedCount)
	assert.Equal(t, 5, capErr.MaxAllowed)

	counts, err := s.records.CountByStatus(models.ScopeIDs{ProductID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, records.Counts{Approved: 3, Pending: 4}, counts)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, base+"/approve", authz.RoleReviewer, gin.H{}).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/scopes/product/nope/approve", authz.RoleReviewer, gin.H{"imageIds": ids[:1]}).Code)

	// 批量操作需要 bulk 能力
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, base+"/reject-all", authz.RoleReviewer, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, base+"/finalize", authz.RoleAgent, nil).Code)

	w = s.do(t, http.MethodPost, base+"/reject", authz.RoleReviewer, gin.H{"imageIds": ids[6:]})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, base+"/restore", authz.RoleReviewer, gin.H{"imageIds": ids[6:]})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 没有主图不能完成审核
	w = s.do(t, http.MethodPost, base+"/finalize", authz.RoleAdmin, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, base+"/primary", authz.RoleReviewer, gin.H{"imageId": ids[1]})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, base+"/reject-all", authz.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, base+"/finalize", authz.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var fin approval.FinalizeResult
	decode(t, w, &fin)
	assert.Len(t, fin.Deleted, 4)
	assert.Equal(t, records.Counts{Approved: 3}, fin.Counts)

	var listing approval.Listing
	decode(t, s.do(t, http.MethodGet, base+"/images", authz.RoleReviewer, nil), &listing)
	require.Len(t, listing.Approved, 3)
	assert.Empty(t, listing.Pending)
	assert.Empty(t, listing.Rejected)

	// 公开读接口不需要认证
	w = s.do(t, http.MethodGet, "/api/v1/products/p1/images/visible", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var visible resolver.Visible
	decode(t, w, &visible)
	assert.Equal(t, resolver.SourceProduct, visible.Source)
	require.Len(t, visible.Images, 3)
	assert.True(t, visible.Images[0].IsPrimary)
	assert.Equal(t, ids[1], visible.Images[0].RecordID)
}

func TestAddImageURLOverHTTP(t *testing.T) {
	s := newTestServer(t)
	dbtest.SeedProduct(t, s.db, &models.Product{ID: "p1"})
	path := "/api/v1/scopes/product/p1/images"

	w := s.do(t, http.MethodPost, path, authz.RoleAgent, gin.H{"url": "https://shop.example.com/x.jpg"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, path, authz.RoleAgent, gin.H{"url": "https://shop.example.com/x.jpg"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Created bool `json:"created"`
	}
	decode(t, w, &body)
	assert.False(t, body.Created)

	w = s.do(t, http.MethodPost, path, authz.RoleAgent, gin.H{"url": "ftp://nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestUploadAndServeCDNFile(t *testing.T) {
	s := newTestServer(t)
	dbtest.SeedProduct(t, s.db, &models.Product{ID: "p1"})

	img := imaging.New(640, 480, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	var raw bytes.Buffer
	require.NoError(t, png.Encode(&raw, img))

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, err := mw.CreateFormFile("file", "photo.png")
	require.NoError(t, err)
	_, err = fw.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scopes/product/p1/images", &form)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.token(t, authz.RoleReviewer))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Image models.ImageRecord `json:"image"`
	}
	decode(t, w, &body)
	assert.Equal(t, models.StatusApproved, body.Image.ApprovalStatus)
	assert.True(t, body.Image.IsDownloaded)
	require.True(t, strings.HasPrefix(body.Image.SourceURLs.Card, cdnBase))

	u, err := url.Parse(body.Image.SourceURLs.Card)
	require.NoError(t, err)
	w = s.do(t, http.MethodGet, u.Path, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Cache-Control"), "immutable")
	assert.NotEmpty(t, w.Body.Bytes())

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/cdn/../../etc/passwd", "", nil).Code)

	// 删除需要 operate 能力，删除后文件一并移除
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodDelete, "/api/v1/images/"+body.Image.ID, authz.RoleReviewer, nil).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/api/v1/images/"+body.Image.ID, authz.RoleAdmin, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/v1/images/"+body.Image.ID, authz.RoleAdmin, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, u.Path, "", nil).Code)
}

func TestOperateRoutes(t *testing.T) {
	s := newTestServer(t)
	dbtest.SeedProduct(t, s.db, &models.Product{ID: "p1"})

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/products/p1/reconcile", authz.RoleReviewer, nil).Code)

	w := s.do(t, http.MethodPost, "/api/v1/products/p1/reconcile", authz.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var outcome reconcile.Outcome
	decode(t, w, &outcome)
	assert.Equal(t, "p1", outcome.ProductID)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/products/p1/backfill", authz.RoleAdmin, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/products/p1/refresh-cache", authz.RoleAdmin, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/products/missing/reconcile", authz.RoleAdmin, nil).Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/reconcile?batch=10", authz.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary reconcile.Summary
	decode(t, w, &summary)
	assert.Equal(t, 1, summary.Scanned)

	dbtest.SeedCanonical(t, s.db, &models.CanonicalProduct{ID: "c1"})
	dbtest.SeedProduct(t, s.db, &models.Product{ID: "p2", CanonicalID: "c1", IsCanonicalEntry: true})
	dbtest.SeedProduct(t, s.db, &models.Product{ID: "p3", CanonicalID: "c1"})
	w = s.do(t, http.MethodPost, "/api/v1/canonicals/c1/reconcile", authz.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var outcomes []reconcile.Outcome
	decode(t, w, &outcomes)
	assert.Len(t, outcomes, 2)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/canonicals/ghost/reconcile", authz.RoleAdmin, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/canonicals/c1/reconcile", authz.RoleAgent, nil).Code)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/admin/reconcile?batch=0", authz.RoleAdmin, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/admin/workers", authz.RoleAgent, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/admin/workers", authz.RoleAdmin, nil).Code)
}

func TestLocalCDNPrefix(t *testing.T) {
	assert.Equal(t, "/cdn", localCDNPrefix("http://localhost:8080/cdn/"))
	assert.Equal(t, "", localCDNPrefix("https://cdn.example.com"))
	assert.Equal(t, "", localCDNPrefix("https://example.com/api/files"))
}
