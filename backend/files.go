package backend

import (
	"context"
	"io"
)

// FileSource opens files generated by the agent (code interpreter output,
// images) so the channel can offer them for download.
type FileSource interface {
	OpenFile(ctx context.Context, fileID string) (body io.ReadCloser, filename string, err error)
}
