package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"farsiland-scraper/pkg/utils"
)

// FileNotifier writes each batch to <dir>/new_content_<unix>.json
type FileNotifier struct {
	dir string
	now func() time.Time
	log *logrus.Entry
}

// NewFileNotifier creates a FileNotifier writing into dir
func NewFileNotifier(dir string, log *logrus.Entry) *FileNotifier {
	return &FileNotifier{dir: dir, now: time.Now, log: log}
}

func (f *FileNotifier) Name() string { return "file" }

// Notify writes the batch atomically. An empty batch writes nothing.
func (f *FileNotifier) Notify(ctx context.Context, b Batch) error {
	if b.Total() == 0 {
		f.log.Info("No new content to notify about")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode JSON batch: %v", utils.ErrParsing, err)
	}

	path := f.nextPath()
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return err
	}
	f.log.WithFields(logrus.Fields{"path": path, "total": b.Total()}).Info("Notification file created")
	return nil
}

// nextPath avoids overwriting a file from an earlier batch in the same second
func (f *FileNotifier) nextPath() string {
	stamp := f.now().Unix()
	path := filepath.Join(f.dir, fmt.Sprintf("new_content_%d.json", stamp))
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(f.dir, fmt.Sprintf("new_content_%d_%d.json", stamp, i))
	}
}
