package hub

import (
	"fmt"
	"sync"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
)

// Blob is an uploaded attachment held in memory.
type Blob struct {
	FileName string
	MimeType string
	Data     []byte
}

// Files keeps uploads for GET /files/:id.
type Files struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

func NewFiles() *Files {
	return &Files{blobs: map[string]Blob{}}
}

// Put sniffs data against the allow-list and stores it under id.
func (f *Files) Put(id, fileName string, data []byte) (chat.Attachment, error) {
	mimeType, err := chat.DetectAllowed(fileName, data)
	if err != nil {
		return chat.Attachment{}, err
	}
	f.mu.Lock()
	f.blobs[id] = Blob{FileName: fileName, MimeType: mimeType, Data: data}
	f.mu.Unlock()
	return chat.Attachment{
		FileName: fileName,
		MimeType: mimeType,
		URL:      fmt.Sprintf("/files/%s", id),
		Size:     int64(len(data)),
	}, nil
}

func (f *Files) Get(id string) (Blob, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.blobs[id]
	return b, ok
}

// Delete drops the blobs stored under ids.
func (f *Files) Delete(ids ...string) {
	if len(ids) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.blobs, id)
	}
}
