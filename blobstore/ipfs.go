package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/abdplatform/blob-storage-backend/interfaces"
)

// IPFSProvider stores blob content in the InterPlanetary File System.
// Uploaded content is pinned on the node; delete unpins so the node's own
// garbage collection can reclaim the bytes.
type IPFSProvider struct {
	shell       *shell.Shell
	host        string
	port        string
	gatewayURL  string
	log         *slog.Logger
	locationURI string
}

// NewIPFSProvider creates an IPFS storage provider connected to the
// specified node. gatewayURL is the public HTTP gateway used to build
// retrieval URLs, e.g. "https://ipfs.example.com".
func NewIPFSProvider(host, port, gatewayURL string, log *slog.Logger) (*IPFSProvider, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	uri := fmt.Sprintf("ipfs://%s/?gateway=%s", apiURL, gatewayURL)

	return &IPFSProvider{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		gatewayURL:  strings.TrimSuffix(gatewayURL, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Upload adds blob content to IPFS and pins it. The provider id is the
// IPFS CID.
func (p *IPFSProvider) Upload(ctx context.Context, data []byte, filename string, scope interfaces.Scope) (interfaces.UploadResult, error) {
	if !p.shell.IsUp() {
		return interfaces.UploadResult{}, fmt.Errorf("%w: ipfs node %s:%s", interfaces.ErrProviderUnavailable, p.host, p.port)
	}

	cid, err := p.shell.Add(bytes.NewReader(data), shell.Pin(true))
	if err != nil {
		return interfaces.UploadResult{}, fmt.Errorf("%w: add to IPFS: %v", interfaces.ErrProviderFailure, err)
	}

	p.log.Debug("Stored blob in IPFS",
		slog.String("cid", cid),
		slog.String("filename", filename),
		slog.Int("size", len(data)))

	url := fmt.Sprintf("%s/ipfs/%s", p.gatewayURL, cid)
	return interfaces.UploadResult{
		ProviderID: cid,
		URL:        url,
		SecureURL:  url,
	}, nil
}

// Delete unpins the CID. Content that was never pinned (or already
// unpinned) is treated as success.
func (p *IPFSProvider) Delete(ctx context.Context, providerID string) error {
	if !p.shell.IsUp() {
		return fmt.Errorf("%w: ipfs node %s:%s", interfaces.ErrProviderUnavailable, p.host, p.port)
	}

	if err := p.shell.Unpin(providerID); err != nil {
		if strings.Contains(err.Error(), "not pinned") {
			p.log.Debug("CID already unpinned", slog.String("cid", providerID))
			return nil
		}
		return fmt.Errorf("%w: unpin from IPFS: %v", interfaces.ErrProviderFailure, err)
	}

	p.log.Debug("Unpinned blob from IPFS", slog.String("cid", providerID))
	return nil
}

// Available checks if the IPFS node is accessible.
func (p *IPFSProvider) Available(ctx context.Context) bool {
	return p.shell.IsUp()
}

// Kind returns the provider tag recorded on registry rows.
func (p *IPFSProvider) Kind() interfaces.ProviderKind {
	return interfaces.ProviderIPFS
}

// Name returns a unique identifier for this storage provider.
func (p *IPFSProvider) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", p.host, p.port)
}

// LocationURI returns the URI that identifies this storage provider.
func (p *IPFSProvider) LocationURI() string {
	return p.locationURI
}
