package outlook

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"

	"golang.org/x/oauth2"
)

// tokenCredential bridges an oauth2 token source into the Azure SDK's
// TokenCredential interface so the Graph SDK can authenticate requests.
type tokenCredential struct {
	src oauth2.TokenSource
}

func (c *tokenCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.src.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{
		Token:     tok.AccessToken,
		ExpiresOn: tok.Expiry,
	}, nil
}
