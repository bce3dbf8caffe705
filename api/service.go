package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const ServiceName = "launchpad.Launchpad"

// Full method names.
const (
	MethodStartDeployment       = "/" + ServiceName + "/StartDeployment"
	MethodGetDeployment         = "/" + ServiceName + "/GetDeployment"
	MethodListDeployments       = "/" + ServiceName + "/ListDeployments"
	MethodGetInstanceDetails    = "/" + ServiceName + "/GetInstanceDetails"
	MethodGetConsoleDiagnostics = "/" + ServiceName + "/GetConsoleDiagnostics"
	MethodOpenHTTPPort          = "/" + ServiceName + "/OpenHTTPPort"
	MethodRevokeHTTPPort        = "/" + ServiceName + "/RevokeHTTPPort"
	MethodListPortAudit         = "/" + ServiceName + "/ListPortAudit"
	MethodTerminateInstance     = "/" + ServiceName + "/TerminateInstance"
	MethodPutCredentials        = "/" + ServiceName + "/PutCredentials"
	MethodGetCredentials        = "/" + ServiceName + "/GetCredentials"
)

// LaunchpadServer is the server API for the Launchpad service.
type LaunchpadServer interface {
	StartDeployment(context.Context, *StartDeploymentRequest) (*StartDeploymentResponse, error)
	GetDeployment(context.Context, *GetDeploymentRequest) (*GetDeploymentResponse, error)
	ListDeployments(context.Context, *ListDeploymentsRequest) (*ListDeploymentsResponse, error)
	GetInstanceDetails(context.Context, *InstanceRequest) (*InstanceDetailsResponse, error)
	GetConsoleDiagnostics(context.Context, *InstanceRequest) (*ConsoleDiagnosticsResponse, error)
	OpenHTTPPort(context.Context, *InstanceRequest) (*PortResponse, error)
	RevokeHTTPPort(context.Context, *InstanceRequest) (*PortResponse, error)
	ListPortAudit(context.Context, *InstanceRequest) (*PortAuditResponse, error)
	TerminateInstance(context.Context, *InstanceRequest) (*TerminateResponse, error)
	PutCredentials(context.Context, *PutCredentialsRequest) (*PutCredentialsResponse, error)
	GetCredentials(context.Context, *GetCredentialsRequest) (*CredentialsResponse, error)
}

// unary builds a MethodDesc that decodes Req and dispatches to call.
func unary[Req any, Resp any](name string, call func(LaunchpadServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LaunchpadServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LaunchpadServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the Launchpad service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LaunchpadServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartDeployment", LaunchpadServer.StartDeployment),
		unary("GetDeployment", LaunchpadServer.GetDeployment),
		unary("ListDeployments", LaunchpadServer.ListDeployments),
		unary("GetInstanceDetails", LaunchpadServer.GetInstanceDetails),
		unary("GetConsoleDiagnostics", LaunchpadServer.GetConsoleDiagnostics),
		unary("OpenHTTPPort", LaunchpadServer.OpenHTTPPort),
		unary("RevokeHTTPPort", LaunchpadServer.RevokeHTTPPort),
		unary("ListPortAudit", LaunchpadServer.ListPortAudit),
		unary("TerminateInstance", LaunchpadServer.TerminateInstance),
		unary("PutCredentials", LaunchpadServer.PutCredentials),
		unary("GetCredentials", LaunchpadServer.GetCredentials),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/service.go",
}

// RegisterLaunchpadServer registers srv on s.
func RegisterLaunchpadServer(s grpc.ServiceRegistrar, srv LaunchpadServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the Launchpad service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection. The connection must use the JSON
// codec, see DialOptions.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// DialOptions are the options every Launchpad connection needs.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
}

// Dial connects to a Launchpad server at addr.
func Dial(addr string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, DialOptions()...)
	if err != nil {
		return nil, nil, err
	}
	return NewClient(conn), conn, nil
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, method, in, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StartDeployment(ctx context.Context, in *StartDeploymentRequest) (*StartDeploymentResponse, error) {
	return invoke[StartDeploymentResponse](ctx, c.cc, MethodStartDeployment, in)
}

func (c *Client) GetDeployment(ctx context.Context, in *GetDeploymentRequest) (*GetDeploymentResponse, error) {
	return invoke[GetDeploymentResponse](ctx, c.cc, MethodGetDeployment, in)
}

func (c *Client) ListDeployments(ctx context.Context, in *ListDeploymentsRequest) (*ListDeploymentsResponse, error) {
	return invoke[ListDeploymentsResponse](ctx, c.cc, MethodListDeployments, in)
}

func (c *Client) GetInstanceDetails(ctx context.Context, in *InstanceRequest) (*InstanceDetailsResponse, error) {
	return invoke[InstanceDetailsResponse](ctx, c.cc, MethodGetInstanceDetails, in)
}

func (c *Client) GetConsoleDiagnostics(ctx context.Context, in *InstanceRequest) (*ConsoleDiagnosticsResponse, error) {
	return invoke[ConsoleDiagnosticsResponse](ctx, c.cc, MethodGetConsoleDiagnostics, in)
}

func (c *Client) OpenHTTPPort(ctx context.Context, in *InstanceRequest) (*PortResponse, error) {
	return invoke[PortResponse](ctx, c.cc, MethodOpenHTTPPort, in)
}

func (c *Client) RevokeHTTPPort(ctx context.Context, in *InstanceRequest) (*PortResponse, error) {
	return invoke[PortResponse](ctx, c.cc, MethodRevokeHTTPPort, in)
}

func (c *Client) ListPortAudit(ctx context.Context, in *InstanceRequest) (*PortAuditResponse, error) {
	return invoke[PortAuditResponse](ctx, c.cc, MethodListPortAudit, in)
}

func (c *Client) TerminateInstance(ctx context.Context, in *InstanceRequest) (*TerminateResponse, error) {
	return invoke[TerminateResponse](ctx, c.cc, MethodTerminateInstance, in)
}

func (c *Client) PutCredentials(ctx context.Context, in *PutCredentialsRequest) (*PutCredentialsResponse, error) {
	return invoke[PutCredentialsResponse](ctx, c.cc, MethodPutCredentials, in)
}

func (c *Client) GetCredentials(ctx context.Context, in *GetCredentialsRequest) (*CredentialsResponse, error) {
	return invoke[CredentialsResponse](ctx, c.cc, MethodGetCredentials, in)
}
