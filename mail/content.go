package mail

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

// Content is a reference to the message data, which can be opened any number
// of times. Implementations must be comparable, e.g. pointers, so changes to
// the content of a mail can be detected.
type Content interface {
	Size() int64
	Open() (io.ReadCloser, error)
}

// BytesContent is message data held in memory.
type BytesContent struct {
	data []byte
}

var _ Content = (*BytesContent)(nil)

// NewBytesContent returns content for data, which must not be modified afterwards.
func NewBytesContent(data []byte) *BytesContent {
	return &BytesContent{data}
}

func (c *BytesContent) Size() int64 {
	return int64(len(c.data))
}

func (c *BytesContent) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(c.data)), nil
}

// FileContent is message data stored in a file, e.g. in the spool directory.
type FileContent struct {
	Path string
	size int64
}

var _ Content = (*FileContent)(nil)

// NewFileContent returns content for the file at path, which must exist.
func NewFileContent(path string) (*FileContent, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat message file: %w", err)
	}
	return &FileContent{path, fi.Size()}, nil
}

func (c *FileContent) Size() int64 {
	return c.size
}

func (c *FileContent) Open() (io.ReadCloser, error) {
	return os.Open(c.Path)
}

// ReadAll returns the full data of c.
func ReadAll(c Content) ([]byte, error) {
	r, err := c.Open()
	if err != nil {
		return nil, fmt.Errorf("open content: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ReadHeader parses the header section of c.
func ReadHeader(c Content) (message.Header, error) {
	r, err := c.Open()
	if err != nil {
		return message.Header{}, fmt.Errorf("open content: %w", err)
	}
	defer r.Close()
	h, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return message.Header{}, fmt.Errorf("reading message header: %w", err)
	}
	return message.Header{Header: h}, nil
}

// PrependHeader returns new content with the header field key: value added at
// the top of the message from c.
func PrependHeader(c Content, key, value string) (*BytesContent, error) {
	data, err := ReadAll(c)
	if err != nil {
		return nil, err
	}
	var h textproto.Header
	h.Add(key, value)
	var b bytes.Buffer
	if err := textproto.WriteHeader(&b, h); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	// WriteHeader ends with the empty line that separates header and body.
	hdr := bytes.TrimSuffix(b.Bytes(), []byte("\r\n"))
	return NewBytesContent(append(hdr, data...)), nil
}
