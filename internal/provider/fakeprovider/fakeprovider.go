// Package fakeprovider is the in-memory Provider used by the end-to-end
// scenarios in spec.md §8 ("use fake provider + in-memory filesystem").
package fakeprovider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/nimbuschain/fetch/internal/model"
	"github.com/nimbuschain/fetch/internal/provider"
)

// FileSpec describes one file a fake product resolves to.
type FileSpec struct {
	Name      string
	Bytes     []byte
	ServeRate int // bytes/sec; 0 = unthrottled
}

// ProductSpec is one fake product and its files.
type ProductSpec struct {
	ID    string
	Files []FileSpec
}

// Provider is a scripted, in-memory Provider backed by an httptest server
// so DownloadManager exercises real HTTP semantics (retries, 401, chunked
// reads) against deterministic fixtures.
type Provider struct {
	mu       sync.Mutex
	products []ProductSpec
	server   *httptest.Server

	authFailures int // number of times AuthHeader should fail before succeeding
	unauthorizedOnce map[string]bool

	SearchErr error
}

func New(products []ProductSpec) *Provider {
	p := &Provider{products: products, unauthorizedOnce: make(map[string]bool)}
	p.server = httptest.NewServer(http.HandlerFunc(p.serve))
	return p
}

func (p *Provider) Close() { p.server.Close() }

func (p *Provider) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := r.URL.Query().Get("file")
	if p.unauthorizedOnce[name] {
		delete(p.unauthorizedOnce, name)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	for _, prod := range p.products {
		for _, f := range prod.Files {
			if f.Name == name {
				w.Header().Set("Content-Length", fmt.Sprint(len(f.Bytes)))
				w.WriteHeader(http.StatusOK)
				serveThrottled(w, f.Bytes, f.ServeRate)
				return
			}
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

// serveThrottled writes body in small chunks, pacing itself to roughly
// rate bytes/sec when rate > 0, so a test can land a mid-transfer
// cancellation deterministically instead of racing a single Write.
func serveThrottled(w http.ResponseWriter, body []byte, rate int) {
	flusher, _ := w.(http.Flusher)
	if rate <= 0 {
		_, _ = w.Write(body)
		return
	}
	const chunk = 4096
	interval := time.Second * time.Duration(chunk) / time.Duration(rate)
	for off := 0; off < len(body); off += chunk {
		end := off + chunk
		if end > len(body) {
			end = len(body)
		}
		if _, err := w.Write(body[off:end]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(interval)
	}
}

// RequireOneUnauthorized makes the next request for filename respond 401
// once, exercising DownloadManager's token-refresh path.
func (p *Provider) RequireOneUnauthorized(filename string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unauthorizedOnce[filename] = true
}

func (p *Provider) Authenticate(ctx context.Context) error { return nil }

func (p *Provider) Search(ctx context.Context, req *model.SearchDownloadRequest) ([]provider.Product, error) {
	if p.SearchErr != nil {
		return nil, p.SearchErr
	}
	out := make([]provider.Product, 0, len(p.products))
	for _, prod := range p.products {
		out = append(out, provider.Product{ID: prod.ID, Metadata: map[string]any{"file_count": len(prod.Files)}})
	}
	return out, nil
}

func (p *Provider) Resolve(ctx context.Context, collection string, productID string) ([]provider.DownloadTarget, error) {
	for _, prod := range p.products {
		if prod.ID == productID {
			targets := make([]provider.DownloadTarget, 0, len(prod.Files))
			for _, f := range prod.Files {
				targets = append(targets, provider.DownloadTarget{
					URL:               fmt.Sprintf("%s/download?file=%s", p.server.URL, f.Name),
					SuggestedFilename: f.Name,
				})
			}
			return targets, nil
		}
	}
	return nil, fmt.Errorf("fakeprovider: unknown product %q", productID)
}

func (p *Provider) AuthHeader(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.authFailures > 0 {
		p.authFailures--
		return "", fmt.Errorf("fakeprovider: scripted auth failure")
	}
	return "Bearer fake-token", nil
}

func (p *Provider) RefreshToken(ctx context.Context) (string, error) {
	return "Bearer fake-token-refreshed", nil
}
