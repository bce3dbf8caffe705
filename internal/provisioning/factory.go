package provisioning

import "context"

// Factory creates a provider client for one region with one tenant's
// credentials. The pipeline and instance flows never construct clients
// directly so tests can substitute fakes.
type Factory func(ctx context.Context, region string, creds Credentials) (Client, error)

// NewAWSFactory returns a Factory producing AWSClient values.
func NewAWSFactory(wait WaitPolicy) Factory {
	return func(ctx context.Context, region string, creds Credentials) (Client, error) {
		client, err := NewAWSClient(ctx, region, creds, wait)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
