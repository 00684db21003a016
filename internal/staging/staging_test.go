package staging

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/vitalscan/neurostudy-backend/internal/logger"
	"github.com/vitalscan/neurostudy-backend/internal/repos"
	"github.com/vitalscan/neurostudy-backend/internal/storage"
	"github.com/vitalscan/neurostudy-backend/internal/types"
)

type fakeSource struct {
	files map[string][]byte
}

func (f *fakeSource) ListDirectories(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	for k := range f.files {
		if i := strings.Index(k, "/"); i > 0 {
			seen[k[:i]] = true
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeSource) ListFiles(ctx context.Context, dir string) ([]string, error) {
	out := []string{}
	for k := range f.files {
		if strings.HasPrefix(k, dir+"/") {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeSource) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	b, ok := f.files[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeSource) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.files[key]
	return ok, nil
}

func gzipBytes(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(payload)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

type stagerEnv struct {
	stager Stager
	assets repos.AssetRepo
	source *fakeSource
	study  *types.Study
}

func newStagerEnv(t *testing.T, files map[string][]byte) *stagerEnv {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.Asset{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	disk, err := storage.NewLocalDiskAt(log, t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalDiskAt: %v", err)
	}
	assets := repos.NewAssetRepo(db, log)
	source := &fakeSource{files: files}
	return &stagerEnv{
		stager: NewStager(log, source, disk, assets),
		assets: assets,
		source: source,
		study: &types.Study{
			ID:        uuid.New(),
			Code:      "STU-TEST0001",
			SourceDir: "case-001",
			Status:    types.StudyStatusInProgress,
		},
	}
}

func fullModalitySet(t *testing.T) map[string][]byte {
	t.Helper()
	files := map[string][]byte{}
	for _, m := range types.RequiredModalities {
		key := fmt.Sprintf("case-001/BraTS-0001-%s.nii.gz", m)
		files[key] = gzipBytes(t, "volume "+m)
	}
	return files
}

func TestStageStudyFilesRegistersAllModalities(t *testing.T) {
	env := newStagerEnv(t, fullModalitySet(t))
	ctx := context.Background()

	staged, err := env.stager.StageStudyFiles(ctx, nil, env.study)
	if err != nil {
		t.Fatalf("StageStudyFiles: %v", err)
	}
	if len(staged) != 4 {
		t.Fatalf("staged count: want=4 got=%d", len(staged))
	}

	assets, err := env.assets.ListByStudy(ctx, nil, env.study.ID)
	if err != nil {
		t.Fatalf("ListByStudy: %v", err)
	}
	if len(assets) != 4 {
		t.Fatalf("asset count: want=4 got=%d", len(assets))
	}
	byType := map[string]*types.Asset{}
	for _, a := range assets {
		byType[a.AssetType] = a
	}
	for _, m := range types.RequiredModalities {
		a := byType[m]
		if a == nil {
			t.Fatalf("no asset registered for modality %s", m)
		}
		if a.MimeType != "application/gzip" {
			t.Fatalf("mime type for %s: want=application/gzip got=%q", m, a.MimeType)
		}
		if a.Metadata["original_source_directory"] != "case-001" {
			t.Fatalf("source dir metadata for %s: %v", m, a.Metadata)
		}
		if a.FileSize == 0 {
			t.Fatalf("file size for %s not recorded", m)
		}
	}
}

func TestStageStudyFilesKeepsUnknownFiles(t *testing.T) {
	files := fullModalitySet(t)
	files["case-001/notes.txt.gz"] = gzipBytes(t, "operator notes")
	env := newStagerEnv(t, files)

	staged, err := env.stager.StageStudyFiles(context.Background(), nil, env.study)
	if err != nil {
		t.Fatalf("StageStudyFiles: %v", err)
	}
	if len(staged) != 5 {
		t.Fatalf("staged count: want=5 got=%d", len(staged))
	}
	unknown := 0
	for _, f := range staged {
		if f.AssetType == types.AssetTypeUnknown {
			unknown++
		}
	}
	if unknown != 1 {
		t.Fatalf("unknown asset count: want=1 got=%d", unknown)
	}
}

func TestStageStudyFilesMissingModalities(t *testing.T) {
	files := fullModalitySet(t)
	delete(files, "case-001/BraTS-0001-t1n.nii.gz")
	delete(files, "case-001/BraTS-0001-t2f.nii.gz")
	env := newStagerEnv(t, files)

	_, err := env.stager.StageStudyFiles(context.Background(), nil, env.study)
	if err == nil {
		t.Fatalf("StageStudyFiles: expected error")
	}
	want := "missing required file types: t1n, t2f"
	if err.Error() != want {
		t.Fatalf("error: want=%q got=%q", want, err.Error())
	}

	assets, _ := env.assets.ListByStudy(context.Background(), nil, env.study.ID)
	if len(assets) != 0 {
		t.Fatalf("assets registered despite failed validation: %d", len(assets))
	}
}

func TestStageStudyFilesNoGzFiles(t *testing.T) {
	env := newStagerEnv(t, map[string][]byte{
		"case-001/readme.txt": []byte("plain"),
	})

	_, err := env.stager.StageStudyFiles(context.Background(), nil, env.study)
	if err == nil {
		t.Fatalf("StageStudyFiles: expected error")
	}
	want := "no gz files found in source directory: case-001"
	if err.Error() != want {
		t.Fatalf("error: want=%q got=%q", want, err.Error())
	}
}

func TestStageStudyFilesCorruptGzip(t *testing.T) {
	files := fullModalitySet(t)
	files["case-001/BraTS-0001-t1c.nii.gz"] = []byte("not actually gzip")
	env := newStagerEnv(t, files)

	_, err := env.stager.StageStudyFiles(context.Background(), nil, env.study)
	if err == nil {
		t.Fatalf("StageStudyFiles: expected error")
	}
	if !strings.Contains(err.Error(), "corrupt gz file BraTS-0001-t1c.nii.gz") {
		t.Fatalf("error: got %q", err.Error())
	}
}

func TestStageStudyFilesEmptyFile(t *testing.T) {
	files := fullModalitySet(t)
	files["case-001/BraTS-0001-t1c.nii.gz"] = []byte{}
	env := newStagerEnv(t, files)

	_, err := env.stager.StageStudyFiles(context.Background(), nil, env.study)
	if err == nil {
		t.Fatalf("StageStudyFiles: expected error")
	}
	if !strings.Contains(err.Error(), "downloaded file is empty") {
		t.Fatalf("error: got %q", err.Error())
	}
}
