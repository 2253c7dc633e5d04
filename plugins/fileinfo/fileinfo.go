// Package fileinfo is the built-in static file analyzer: hashes, type
// detection and archive listing.
package fileinfo

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/Ashfaaq98/analyzerkit/internal/analyzer"
	"github.com/Ashfaaq98/analyzerkit/internal/plugins"
	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

//go:embed fileinfo.yaml
var definitionFS embed.FS

const (
	namespace = "FileInfo"

	mimeZip        = "application/zip"
	mimeDOSExec    = "application/x-dosexec"
	mimeExecutable = "application/x-executable"
)

var executableExtensions = map[string]bool{
	".exe": true, ".dll": true, ".sys": true, ".scr": true, ".com": true,
	".cpl": true, ".ocx": true, ".efi": true, ".so": true, ".bin": true, "": true,
}

// Plugin returns the analyzer for registration in a plugins.Registry.
func Plugin() plugins.Plugin {
	return plugins.Plugin{
		Definition: worker.MustLoadDefinition(definitionFS, "fileinfo.yaml"),
		New: func(env plugins.Env) analyzer.Implementation {
			return New(env)
		},
	}
}

// Info is the full report.
type Info struct {
	Filename  string   `json:"filename"`
	Size      int64    `json:"size"`
	SizeHuman string   `json:"size_human"`
	MIME      string   `json:"mime"`
	Extension string   `json:"extension,omitempty"`
	MD5       string   `json:"md5"`
	SHA1      string   `json:"sha1"`
	SHA256    string   `json:"sha256"`
	Archive   *Archive `json:"archive,omitempty"`
}

// Archive lists the members of a zip file.
type Archive struct {
	Members   []Member `json:"members"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Member is one archive entry.
type Member struct {
	Name      string `json:"name"`
	Size      uint64 `json:"size"`
	SizeHuman string `json:"size_human"`
	Extracted bool   `json:"extracted"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// Analyzer runs one file job.
type Analyzer struct {
	env plugins.Env

	// extracted holds archive members written to a temporary directory,
	// attached as artifacts when the report is composed.
	extracted []string
}

// New creates an analyzer.
func New(env plugins.Env) *Analyzer {
	return &Analyzer{env: env.WithDefaults()}
}

// Run hashes the job's file and lists archive members.
func (f *Analyzer) Run(ctx context.Context, a *analyzer.Analyzer) error {
	path, err := a.FilePath()
	if err != nil {
		return err
	}
	filename, err := a.DataString()
	if err != nil {
		return err
	}

	info, err := inspect(path)
	if err != nil {
		return err
	}
	info.Filename = filename
	info.Extension = strings.ToLower(filepath.Ext(filename))

	if info.MIME == mimeZip && a.ParamBool("config.extract_archives", true) {
		maxSize, err := humanize.ParseBytes(a.ParamString("config.max_member_size", "10 MB"))
		if err != nil {
			return worker.Fail(fmt.Sprintf("Invalid max_member_size: %v", err))
		}

		tmp, err := os.MkdirTemp("", "fileinfo-")
		if err != nil {
			return fmt.Errorf("failed to create extraction directory: %w", err)
		}
		defer os.RemoveAll(tmp)

		archive, extracted, err := extractZip(ctx, path, tmp, a.ParamInt("config.max_members", 20), maxSize)
		if err != nil {
			a.Logger().Printf("Failed to read archive %s: %v", filename, err)
		} else {
			info.Archive = archive
			f.extracted = extracted
			a.Logger().Printf("Extracted %d of %d archive member(s) from %s", len(extracted), len(archive.Members), filename)
		}
	}

	return a.Report(info)
}

// Summary reports the file type and size. Executables disguised under a
// non-executable extension are suspicious.
func (f *Analyzer) Summary(full interface{}) (map[string]interface{}, error) {
	info, ok := full.(Info)
	if !ok {
		return nil, fmt.Errorf("unexpected report type %T", full)
	}

	level := "info"
	if isExecutable(info.MIME) && !executableExtensions[info.Extension] {
		level = "suspicious"
	}
	taxonomies := []analyzer.Taxonomy{
		analyzer.BuildTaxonomy(level, namespace, "MIME", info.MIME),
		analyzer.BuildTaxonomy("info", namespace, "Size", info.SizeHuman),
	}
	if info.Archive != nil {
		taxonomies = append(taxonomies, analyzer.BuildTaxonomy("info", namespace, "Archive",
			fmt.Sprintf("%d member(s)", len(info.Archive.Members))))
	}
	return analyzer.TaxonomySummary(taxonomies...), nil
}

// Artifacts attaches extracted archive members next to the observables
// found in the report.
func (f *Analyzer) Artifacts(a *analyzer.Analyzer, full interface{}) ([]analyzer.Artifact, error) {
	info, _ := full.(Info)

	var out []analyzer.Artifact
	for _, path := range f.extracted {
		art, err := a.BuildArtifact(analyzer.DataTypeFile, path, map[string]interface{}{
			"message": "Extracted from " + info.Filename,
		})
		if err != nil {
			continue
		}
		out = append(out, art)
	}
	return append(out, a.ExtractArtifacts(full)...), nil
}

// inspect hashes the file at path and sniffs its content type.
func inspect(path string) (Info, error) {
	file, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Info{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	head = head[:n]

	md5h, sha1h, sha256h := md5.New(), sha1.New(), sha256.New()
	size, err := io.Copy(io.MultiWriter(md5h, sha1h, sha256h), io.MultiReader(bytes.NewReader(head), file))
	if err != nil {
		return Info{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return Info{
		Size:      size,
		SizeHuman: humanize.Bytes(uint64(size)),
		MIME:      detectMIME(head),
		MD5:       hex.EncodeToString(md5h.Sum(nil)),
		SHA1:      hex.EncodeToString(sha1h.Sum(nil)),
		SHA256:    hex.EncodeToString(sha256h.Sum(nil)),
	}, nil
}

func detectMIME(head []byte) string {
	switch {
	case bytes.HasPrefix(head, []byte("MZ")):
		return mimeDOSExec
	case bytes.HasPrefix(head, []byte("\x7fELF")):
		return mimeExecutable
	}
	mime := http.DetectContentType(head)
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

func isExecutable(mime string) bool {
	return mime == mimeDOSExec || mime == mimeExecutable
}

// extractZip lists the archive at path and writes up to maxMembers members
// no larger than maxSize under dir. Encrypted members are listed only.
func extractZip(ctx context.Context, path, dir string, maxMembers int, maxSize uint64) (*Archive, []string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	archive := &Archive{Members: []Member{}}
	var extracted []string
	for i, zf := range r.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		m := Member{
			Name:      zf.Name,
			Size:      zf.UncompressedSize64,
			SizeHuman: humanize.Bytes(zf.UncompressedSize64),
			Encrypted: zf.Flags&0x1 != 0,
		}
		if len(extracted) >= maxMembers {
			archive.Truncated = true
		} else if !m.Encrypted && m.Size <= maxSize {
			// Each member gets its own directory so equal base names never collide.
			dest := filepath.Join(dir, strconv.Itoa(i), filepath.Base(zf.Name))
			if err := writeMember(zf, dest, maxSize); err == nil {
				m.Extracted = true
				extracted = append(extracted, dest)
			}
		}
		archive.Members = append(archive.Members, m)
	}
	return archive, extracted, nil
}

func writeMember(zf *zip.File, dest string, maxSize uint64) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(rc, int64(maxSize)+1))
	if err == nil && uint64(n) > maxSize {
		err = fmt.Errorf("member %s is larger than %d bytes", zf.Name, maxSize)
	}
	if err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
