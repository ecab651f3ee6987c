/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tftp

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Context lets the Server open and close file Handles. It imposes no
// structure on the namespace behind it: a context can be a flat table, a
// directory tree, or something synthesized on the fly.
type Context interface {
	// Open opens a file in read-only mode if writeMode is false, otherwise
	// in write mode. The filename from the request is passed as-is, minus
	// its NUL terminator.
	Open(filename string, writeMode bool) (Handle, error)
	// Close releases the handle, flushing pending changes if necessary.
	Close(h Handle)
}

// Handle is an open file returned by Context.Open.
type Handle interface {
	// Read pulls bytes into buf, returning how many were read. buf is
	// always exactly BlockSize bytes; a return shorter than that marks the
	// final block.
	Read(buf []byte) (int, error)
	// Write stores buf, which holds from 0 to BlockSize bytes.
	Write(buf []byte) (int, error)
}

// DirContext is a Context serving a single directory. Request filenames
// are interpreted relative to the root; anything escaping it is refused.
type DirContext struct {
	root string
}

// NewDirContext returns a context rooted at dir.
func NewDirContext(dir string) *DirContext {
	return &DirContext{root: dir}
}

// Open opens root/filename for reading or writing.
func (c *DirContext) Open(filename string, writeMode bool) (Handle, error) {
	clean := filepath.FromSlash(filename)
	if !filepath.IsLocal(clean) {
		return nil, fmt.Errorf("filename %q escapes the served directory", filename)
	}
	path := filepath.Join(c.root, clean)
	var f *os.File
	var err error
	if writeMode {
		f, err = os.Create(path)
	} else {
		f, err = os.Open(path)
	}
	if err != nil {
		return nil, err
	}
	return &fileHandle{f: f}, nil
}

// Close closes the underlying file.
func (c *DirContext) Close(h Handle) {
	f := h.(*fileHandle)
	if err := f.f.Close(); err != nil {
		log.Errorf("tftp: closing %s: %v", f.f.Name(), err)
	}
}

type fileHandle struct {
	f *os.File
}

// Read fills buf completely unless the file ends first. A short read mid-
// file must not look like the final block, so partial reads are retried
// until EOF.
func (h *fileHandle) Read(buf []byte) (int, error) {
	n, err := io.ReadFull(h.f, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

func (h *fileHandle) Write(buf []byte) (int, error) {
	return h.f.Write(buf)
}
