// Package iap verifies Apple App Store purchases for Purple.
//
// Signed transactions arrive as JWS blobs whose x5c header chains up to
// Apple's root certificates. The package verifies those chains against
// locally stored trust anchors, decodes the payloads, filters them to the
// authenticated account, and feeds the result into the entitlement grant
// path.
package iap

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"
)

// TrustAnchorCache memoizes trust anchor certificate files. A path is read
// from disk at most once for the life of the process; anchors are assumed
// static. Concurrent first reads of the same path collapse into one disk
// read.
type TrustAnchorCache struct {
	group singleflight.Group
	mu    sync.RWMutex
	files map[string][]byte
}

// NewTrustAnchorCache creates an empty trust anchor cache.
func NewTrustAnchorCache() *TrustAnchorCache {
	return &TrustAnchorCache{files: make(map[string][]byte)}
}

// Anchors loads every certificate file in dir, in filename order.
// Files may be PEM or raw DER.
func (c *TrustAnchorCache) Anchors(dir string) ([]*x509.Certificate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read trust anchor dir: %w", err)
	}

	var anchors []*x509.Certificate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := c.load(path)
		if err != nil {
			return nil, err
		}
		certs, err := parseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("parse trust anchor %s: %w", entry.Name(), err)
		}
		anchors = append(anchors, certs...)
	}
	return anchors, nil
}

func (c *TrustAnchorCache) load(path string) ([]byte, error) {
	c.mu.RLock()
	data, ok := c.files[path]
	c.mu.RUnlock()
	if ok {
		return data, nil
	}

	v, err, _ := c.group.Do(path, func() (any, error) {
		// Re-check under the group: a previous flight may have stored it.
		c.mu.RLock()
		data, ok := c.files[path]
		c.mu.RUnlock()
		if ok {
			return data, nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read trust anchor: %w", err)
		}

		c.mu.Lock()
		c.files[path] = data
		c.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// parseCertificates handles both PEM bundles and raw DER files.
func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}
	return x509.ParseCertificates(data)
}
