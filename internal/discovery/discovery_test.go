package discovery

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/anoixa/product-images/cache/gocache"
	"github.com/anoixa/product-images/database/dbtest"
	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/database/repo/products"
	"github.com/anoixa/product-images/database/repo/records"
	"github.com/anoixa/product-images/internal/approval"
	"github.com/anoixa/product-images/internal/errs"
	"github.com/anoixa/product-images/internal/lock"
	"github.com/anoixa/product-images/internal/worker"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const resultPage = `<html><body>
<a class="iusc" m='{"murl":"https://img.example.com/phone-front.jpg"}'></a>
<a class="iusc" m='{"murl":"https://img.example.com/phone-front.jpg"}'></a>
<img src="https://img.example.com/site-logo.png">
<img data-src="https://img.example.com/phone-back.png" src="data:image/gif;base64,R0lGOD">
<img src="/relative/ignored.jpg">
<script>var d = {"u":"https://img.example.com/phone-side.webp?w=800"};</script>
</body></html>`

func TestQuery_Text(t *testing.T) {
	assert.Equal(t, "Acme X1", Query{Name: "Acme phone", Brand: "Acme", Model: "X1"}.Text())
	assert.Equal(t, "Acme phone", Query{Name: " Acme phone "}.Text())
	assert.Equal(t, "", Query{}.Text())
}

func TestHTMLSearcher_ExtractsImages(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://search.example.com/images?q=Acme+X1",
		httpmock.NewStringResponder(200, resultPage))

	s := NewHTMLSearcher(client, "https://search.example.com/images?q=%s", 0)
	urls, err := s.Search(context.Background(), Query{Brand: "Acme", Model: "X1", MaxResults: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://img.example.com/phone-front.jpg",
		"https://img.example.com/phone-back.png",
		"https://img.example.com/phone-side.webp?w=800",
	}, urls)

	urls, err = s.Search(context.Background(), Query{Brand: "Acme", Model: "X1", MaxResults: 1})
	require.NoError(t, err)
	assert.Len(t, urls, 1)
}

func TestHTMLSearcher_Errors(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://search.example.com/images?q=Acme",
		httpmock.NewStringResponder(503, "unavailable"))

	s := NewHTMLSearcher(client, "https://search.example.com/images?q=%s", 0)
	_, err := s.Search(context.Background(), Query{Brand: "Acme"})
	assert.Error(t, err)

	_, err = s.Search(context.Background(), Query{})
	assert.Error(t, err)
}

type mockSearcher struct {
	mock.Mock
}

func (m *mockSearcher) Search(ctx context.Context, q Query) ([]string, error) {
	args := m.Called(ctx, q)
	urls, _ := args.Get(0).([]string)
	return urls, args.Error(1)
}

type fixture struct {
	svc     *Service
	records *records.Repository
	search  *mockSearcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := dbtest.NewProvider(t)
	db := p.DB()
	recs := records.NewRepository(db)
	prods := products.NewRepository(db)
	approvals := approval.NewService(p, recs, prods, lock.NewMemoryLocker(), nil, nil, nil, 2)

	pool := worker.NewPool(1, 4)
	t.Cleanup(pool.Stop)

	dbtest.SeedProduct(t, db, &models.Product{ID: "p1", Name: "Acme X1 128GB", Brand: "Acme", Model: "X1"})

	search := &mockSearcher{}
	svc := NewService(search, approvals, prods, pool, gocache.NewGoCache(time.Minute, time.Minute), Config{MaxResults: 5})
	return &fixture{svc: svc, records: recs, search: search}
}

func TestService_RunAddsPendingRecords(t *testing.T) {
	f := newFixture(t)
	f.search.On("Search", mock.Anything, Query{Name: "Acme X1 128GB", Brand: "Acme", Model: "X1", MaxResults: 5}).
		Return([]string{"https://img.example.com/a.jpg", "https://img.example.com/b.jpg"}, nil).Twice()

	created, err := f.svc.Run(context.Background(), models.Scope{Kind: models.ScopeProduct, ID: "p1"})
	require.NoError(t, err)
	require.Len(t, created, 2)
	for _, rec := range created {
		assert.Equal(t, models.StatusPending, rec.ApprovalStatus)
		assert.Equal(t, models.OriginDiscovery, rec.Origin)
	}

	// 第二次搜索到相同地址时不重复登记
	created, err = f.svc.Run(context.Background(), models.Scope{Kind: models.ScopeProduct, ID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, created)
	f.search.AssertExpectations(t)
}

func TestService_DiscoverIsAsyncAndDeduplicated(t *testing.T) {
	f := newFixture(t)
	f.search.On("Search", mock.Anything, mock.Anything).
		Return([]string{"https://img.example.com/a.jpg"}, nil).Once()
	scope := models.Scope{Kind: models.ScopeProduct, ID: "p1"}

	enqueued, err := f.svc.Discover(context.Background(), scope)
	require.NoError(t, err)
	assert.True(t, enqueued)

	enqueued, err = f.svc.Discover(context.Background(), scope)
	require.NoError(t, err)
	assert.False(t, enqueued)

	require.Eventually(t, func() bool {
		c, err := f.records.CountByStatus(models.ScopeIDs{ProductID: "p1"})
		return err == nil && c.Pending == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_DiscoverUnknownScope(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Discover(context.Background(), models.Scope{Kind: models.ScopeProduct, ID: "missing"})
	assert.True(t, errs.IsNotFound(err))

	_, err = f.svc.Discover(context.Background(), models.Scope{Kind: models.ScopeCanonical, ID: "missing"})
	assert.True(t, errs.IsNotFound(err))
}

func TestService_RunSearchFailure(t *testing.T) {
	f := newFixture(t)
	f.search.On("Search", mock.Anything, mock.Anything).Return(nil, errors.New("blocked")).Once()

	_, err := f.svc.Run(context.Background(), models.Scope{Kind: models.ScopeProduct, ID: "p1"})
	assert.ErrorContains(t, err, "blocked")
}
