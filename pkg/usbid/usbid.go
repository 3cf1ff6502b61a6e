package usbid

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the usual locations of usb.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database caches vendor and product names.
type Database struct {
	mu       sync.RWMutex
	paths    []string
	loaded   bool
	source   string
	vendors  map[uint16]string
	products map[uint32]string // VID<<16 | PID
}

// New returns a database that searches DefaultPaths.
func New() *Database {
	return NewWithPaths(DefaultPaths...)
}

// NewWithPaths returns a database that searches paths in order.
func NewWithPaths(paths ...string) *Database {
	return &Database{
		paths:    paths,
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
}

// Load parses the first readable file among the search paths. Only the
// first call searches; it reports whether a file was found.
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.loaded {
		return db.source != ""
	}
	db.loaded = true
	for _, path := range db.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		err = db.parse(f)
		f.Close()
		if err == nil {
			db.source = path
			return true
		}
	}
	return false
}

// LoadFrom parses a database from r, adding to any names already loaded.
func (db *Database) LoadFrom(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.loaded = true
	return db.parse(r)
}

// Source returns the file Load read, or "".
func (db *Database) Source() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.source
}

// Vendors are "vvvv  Name" at column 0 with "\tpppp  Name" products
// beneath. Other sections start with a letter tag and are skipped.
func (db *Database) parse(r io.Reader) error {
	sc := bufio.NewScanner(r)
	var vid uint16
	var inVendor bool

	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if !inVendor || (len(line) > 1 && line[1] == '\t') {
				continue
			}
			id, name, ok := split(line[1:])
			if !ok {
				continue
			}
			db.products[uint32(vid)<<16|uint32(id)] = name
			continue
		}

		id, name, ok := split(line)
		inVendor = ok
		if ok {
			vid = id
			db.vendors[vid] = name
		}
	}
	return sc.Err()
}

func split(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimSpace(line[5:]), true
}

// Vendor returns the vendor name for vid, or "".
func (db *Database) Vendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// Product returns the product name for vid:pid, or "".
func (db *Database) Product(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}
