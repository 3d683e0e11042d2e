package nodes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
	"gopkg.in/yaml.v3"

	"github.com/lineopthq/optimizer/pkg/types"
)

// catalogFile is the on-disk shape of a node catalog.
type catalogFile struct {
	Nodes map[string][]string `yaml:"nodes"`
}

// LoadCatalog reads a YAML node catalog from disk. When pubKey is
// non-empty a detached minisign signature at path+".minisig" must
// verify before the catalog is trusted.
func LoadCatalog(path, pubKey string) (*Registry, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read node catalog %q: %w", path, err)
	}

	if strings.TrimSpace(pubKey) != "" {
		if err := verifyCatalog(data, path+".minisig", pubKey); err != nil {
			return nil, fmt.Errorf("verify node catalog %q: %w", path, err)
		}
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse node catalog %q: %w", path, err)
	}

	byLine := make(map[types.Line][]string, len(file.Nodes))
	for name, ids := range file.Nodes {
		byLine[types.Line(name)] = ids
	}
	return NewRegistry(byLine)
}

func verifyCatalog(data []byte, sigPath, pubKey string) error {
	publicKey, err := minisign.DecodePublicKey(strings.TrimSpace(pubKey))
	if err != nil {
		return fmt.Errorf("parse minisign public key: %w", err)
	}
	sigBytes, err := os.ReadFile(filepath.Clean(sigPath))
	if err != nil {
		return fmt.Errorf("read signature %q: %w", sigPath, err)
	}
	signature, err := minisign.DecodeSignature(string(sigBytes))
	if err != nil {
		return fmt.Errorf("decode signature %q: %w", sigPath, err)
	}
	ok, err := publicKey.Verify(data, signature)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("signature verification failed")
	}
	return nil
}
