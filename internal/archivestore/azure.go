package archivestore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// AzureConfig targets an Azure Blob Storage container.
type AzureConfig struct {
	Account    string
	AccountKey string
	SASToken   string
	Endpoint   string
	Container  string
	Prefix     string
}

// Azure uploads block blobs.
type Azure struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzure authenticates with a SAS token when given, else the shared key.
func NewAzure(cfg AzureConfig) (*Azure, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("archivestore: azure container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{Transport: transportAdapter{rt: defaultTransport(false)}},
	}
	var (
		client *azblob.Client
		err    error
	)
	if cfg.SASToken != "" {
		withSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(withSAS, opts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("archivestore: azure account key or SAS token required")
		}
		cred, cerr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if cerr != nil {
			return nil, fmt.Errorf("archivestore: azure credentials: %w", cerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("archivestore: azure client: %w", err)
	}
	return &Azure{client: client, container: cfg.Container, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Put uploads one blob.
func (a *Azure) Put(ctx context.Context, key string, r io.ReadSeeker, _ int64, contentType string) error {
	name := objectKey(a.prefix, key)
	_, err := a.client.UploadStream(ctx, a.container, name, r, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		return fmt.Errorf("archivestore: azure put %s: %w", name, err)
	}
	return nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("archivestore: azure endpoint: %w", err)
	}
	u.RawQuery = strings.TrimPrefix(sas, "?")
	return u.String(), nil
}
