package videos

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/clipvault/backend/pkg/storage"
)

// fetchURL streams a GET of url into w in bounded chunks.
func fetchURL(ctx context.Context, client *http.Client, url string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("GET signed url: status %d", resp.StatusCode)
	}
	return io.CopyBuffer(w, resp.Body, make([]byte, storage.CopyChunkSize))
}
