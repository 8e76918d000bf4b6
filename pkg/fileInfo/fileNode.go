package fileInfo

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rescp17/dropmesh/pkg/transfer"
)

var ErrUnsafePath = errors.New("file name escapes destination directory")

type FileNode struct {
	Name     string     `json:"name"`
	IsDir    bool       `json:"is_dir"`
	Size     int64      `json:"size"`
	MimeType string     `json:"mime_type,omitempty"`
	Checksum string     `json:"checksum,omitempty"`
	Children []FileNode `json:"children,omitempty"`
	Path     string     `json:"-"`
}

func CreateNode(path string) (FileNode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileNode{}, err
	}
	node := FileNode{
		Name:  info.Name(),
		IsDir: info.IsDir(),
		Size:  info.Size(),
		Path:  path,
	}
	if node.IsDir {
		entries, err := os.ReadDir(path)
		if err != nil {
			return FileNode{}, err
		}

		node.Children = make([]FileNode, 0)

		for _, entry := range entries {
			childPath := filepath.Join(path, entry.Name())
			childNode, err := CreateNode(childPath)
			if err != nil {
				slog.Warn("Skipping file", "path", childPath, "error", err)
				continue
			}
			node.Children = append(node.Children, childNode)
			node.Size += childNode.Size
		}
	} else {
		mime, err := mimetype.DetectFile(path)
		if err != nil {
			node.MimeType = transfer.DefaultMIMEType
		} else {
			node.MimeType = mime.String()
		}
	}
	checksum, err := node.CalcChecksum()
	if err != nil {
		return FileNode{}, err
	}
	node.Checksum = checksum
	return node, nil
}

// Entry is a regular file found under a node, named relative to the node's
// parent with forward slashes.
type Entry struct {
	RelPath string
	Node    FileNode
}

// Flatten lists the regular files below n in depth-first order.
func (n FileNode) Flatten() []Entry {
	var out []Entry
	n.flatten("", &out)
	return out
}

func (n FileNode) flatten(prefix string, out *[]Entry) {
	name := path.Join(prefix, n.Name)
	if !n.IsDir {
		*out = append(*out, Entry{RelPath: name, Node: n})
		return
	}
	for _, child := range n.Children {
		child.flatten(name, out)
	}
}

// OpenFiles expands paths (directories recursively) into transfer files.
// The returned closer releases every opened file.
func OpenFiles(paths ...string) ([]*transfer.File, func() error, error) {
	var files []*os.File
	closeAll := func() error {
		var errs []error
		for _, f := range files {
			errs = append(errs, f.Close())
		}
		return errors.Join(errs...)
	}

	var out []*transfer.File
	for _, p := range paths {
		node, err := CreateNode(p)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("reading %s: %w", p, err)
		}
		for _, entry := range node.Flatten() {
			f, err := os.Open(entry.Node.Path)
			if err != nil {
				_ = closeAll()
				return nil, nil, fmt.Errorf("opening %s: %w", entry.Node.Path, err)
			}
			files = append(files, f)
			out = append(out, &transfer.File{
				Name:     entry.RelPath,
				MIME:     entry.Node.MimeType,
				Size:     entry.Node.Size,
				Checksum: entry.Node.Checksum,
				Content:  f,
			})
		}
	}
	return out, closeAll, nil
}

// SafePath resolves a sender-supplied file name inside dir.
func SafePath(dir, name string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(name, `\`, "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	full := filepath.Join(dir, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return full, nil
}

// WriteBlob stores a received file under dir, creating parent directories.
func WriteBlob(dir string, blob *transfer.Blob) (string, error) {
	target, err := SafePath(dir, blob.Name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(target, blob.Data, 0o644); err != nil {
		return "", err
	}
	return target, nil
}
