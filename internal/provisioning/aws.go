package provisioning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"launchpad/internal/logging"
)

const runShellDocument = "AWS-RunShellScript"

type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	GetConsoleOutput(ctx context.Context, params *ec2.GetConsoleOutputInput, optFns ...func(*ec2.Options)) (*ec2.GetConsoleOutputOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type ssmAPI interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

// WaitPolicy bounds how long WaitRunning polls DescribeInstances.
type WaitPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// AWSClient implements Client on EC2 with SSM Run Command as the
// remote-execution channel.
type AWSClient struct {
	ec2    ec2API
	ssm    ssmAPI
	region string
	wait   WaitPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewAWSClient creates a client for region using the tenant's static
// credentials. Missing credentials fail before any network call.
func NewAWSClient(ctx context.Context, region string, creds Credentials, wait WaitPolicy) (*AWSClient, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newAWSClient(ec2.NewFromConfig(cfg), ssm.NewFromConfig(cfg), region, wait), nil
}

func newAWSClient(e ec2API, s ssmAPI, region string, wait WaitPolicy) *AWSClient {
	if wait.MaxAttempts <= 0 {
		wait.MaxAttempts = 60
	}
	if wait.Interval <= 0 {
		wait.Interval = 5 * time.Second
	}
	return &AWSClient{ec2: e, ssm: s, region: region, wait: wait, sleep: sleepCtx}
}

// Region returns the region the client talks to.
func (p *AWSClient) Region() string {
	return p.region
}

// CreateInstance creates a new EC2 instance and returns its ID without
// waiting for it to run.
func (p *AWSClient) CreateInstance(ctx context.Context, spec InstanceSpec) (string, error) {
	tags := []types.Tag{{Key: aws.String("Name"), Value: aws.String(spec.Name)}}
	for k, v := range spec.Tags {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData))),
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
		},
	}
	if spec.InstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(spec.InstanceProfile)}
	}
	if spec.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{spec.SecurityGroupID}
	}
	if spec.SubnetID != "" {
		input.SubnetId = aws.String(spec.SubnetID)
	}
	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}

	output, err := p.ec2.RunInstances(ctx, input)
	if err != nil {
		return "", ClassifyError("RunInstances", err)
	}
	if len(output.Instances) == 0 || output.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("RunInstances returned no instance")
	}

	id := aws.ToString(output.Instances[0].InstanceId)
	logging.Logger().Info("instance created",
		zap.String("instance_id", id),
		zap.String("name", spec.Name),
		zap.String("image_id", spec.ImageID),
		zap.String("instance_type", spec.InstanceType),
		zap.String("region", p.region))
	return id, nil
}

// DescribeInstance returns the current view of an instance.
func (p *AWSClient) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	desc, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, ClassifyError("DescribeInstances", err)
	}
	for _, r := range desc.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == instanceID {
				return toInstance(inst), nil
			}
		}
	}
	return nil, &ProviderError{
		Op:       "DescribeInstances",
		Code:     "InvalidInstanceID.NotFound",
		Message:  fmt.Sprintf("instance %s not found in %s", instanceID, p.region),
		NotFound: true,
	}
}

// WaitRunning polls until the instance is running or the wait policy is spent.
func (p *AWSClient) WaitRunning(ctx context.Context, instanceID string) (*Instance, error) {
	for i := 0; i < p.wait.MaxAttempts; i++ {
		inst, err := p.DescribeInstance(ctx, instanceID)
		if err != nil {
			var pe *ProviderError
			// Freshly created instances can briefly be invisible to Describe.
			if !(errors.As(err, &pe) && pe.NotFound) {
				return nil, err
			}
		} else {
			switch inst.State {
			case InstanceRunning:
				return inst, nil
			case InstanceTerminated, InstanceStopped:
				return nil, fmt.Errorf("instance %s entered state %s while waiting for running", instanceID, inst.State)
			}
		}
		if err := p.sleep(ctx, p.wait.Interval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("timed out waiting for instance %s to be running", instanceID)
}

// SendCommand dispatches a shell command bundle through SSM Run Command.
func (p *AWSClient) SendCommand(ctx context.Context, instanceID string, commands []string) (string, error) {
	out, err := p.ssm.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String(runShellDocument),
		InstanceIds:  []string{instanceID},
		Parameters: map[string][]string{
			"commands":         commands,
			"executionTimeout": {"3600"},
		},
		Comment: aws.String("launchpad"),
	})
	if err != nil {
		var notManaged *ssmtypes.InvalidInstanceId
		if errors.As(err, &notManaged) {
			return "", fmt.Errorf("%w: %s", ErrInstanceNotManaged, instanceID)
		}
		return "", ClassifyError("SendCommand", err)
	}
	if out.Command == nil || out.Command.CommandId == nil {
		return "", fmt.Errorf("SendCommand returned no command id")
	}
	return aws.ToString(out.Command.CommandId), nil
}

// GetCommandResult fetches the invocation of commandID on instanceID.
func (p *AWSClient) GetCommandResult(ctx context.Context, commandID, instanceID string) (*Invocation, error) {
	out, err := p.ssm.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		var missing *ssmtypes.InvocationDoesNotExist
		if errors.As(err, &missing) {
			return nil, ErrInvocationNotFound
		}
		return nil, ClassifyError("GetCommandInvocation", err)
	}
	return &Invocation{
		CommandID:      commandID,
		InstanceID:     instanceID,
		Status:         mapInvocationStatus(out.Status),
		ProviderStatus: string(out.Status),
		ResponseCode:   out.ResponseCode,
		Stdout:         aws.ToString(out.StandardOutputContent),
		Stderr:         aws.ToString(out.StandardErrorContent),
	}, nil
}

// GetBootConsoleLog returns the decoded serial console output. An empty
// string means the console is not available yet.
func (p *AWSClient) GetBootConsoleLog(ctx context.Context, instanceID string) (string, error) {
	out, err := p.ec2.GetConsoleOutput(ctx, &ec2.GetConsoleOutputInput{
		InstanceId: aws.String(instanceID),
		Latest:     aws.Bool(true),
	})
	if err != nil {
		return "", ClassifyError("GetConsoleOutput", err)
	}
	raw := aws.ToString(out.Output)
	if raw == "" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode console output: %w", err)
	}
	return string(decoded), nil
}

// OpenFirewallPort allows TCP port from cidr on the instance's first
// security group. An identical existing rule is reported as AlreadyOpen and
// no authorize call is made.
func (p *AWSClient) OpenFirewallPort(ctx context.Context, instanceID string, port int32, cidr string) (*PortResult, error) {
	groupID, perms, err := p.instanceGroup(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	result := &PortResult{SecurityGroupID: groupID, Rule: ruleString(port, cidr)}
	if hasIngressRule(perms, port, cidr) {
		result.AlreadyOpen = true
		return result, nil
	}

	_, err = p.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: []types.IpPermission{ingressPermission(port, cidr)},
	})
	if err != nil {
		if apiCode(err) == "InvalidPermission.Duplicate" {
			result.AlreadyOpen = true
			return result, nil
		}
		return nil, ClassifyError("AuthorizeSecurityGroupIngress", err)
	}
	result.Changed = true
	return result, nil
}

// RevokeFirewallPort removes the exact rule added by OpenFirewallPort.
// Broader rules are never touched; when one still admits the traffic it is
// reported in StillOpenVia. Changed is set only when the provider actually
// removed a rule.
func (p *AWSClient) RevokeFirewallPort(ctx context.Context, instanceID string, port int32, cidr string) (*PortResult, error) {
	groupID, perms, err := p.instanceGroup(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	result := &PortResult{
		SecurityGroupID: groupID,
		Rule:            ruleString(port, cidr),
		StillOpenVia:    broaderIngressRule(perms, port, cidr),
	}
	if !hasExactIngressRule(perms, port, cidr) {
		result.AlreadyClosed = result.StillOpenVia == ""
		return result, nil
	}

	out, err := p.ec2.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: []types.IpPermission{ingressPermission(port, cidr)},
	})
	if err != nil {
		if apiCode(err) == "InvalidPermission.NotFound" {
			result.AlreadyClosed = result.StillOpenVia == ""
			return result, nil
		}
		return nil, ClassifyError("RevokeSecurityGroupIngress", err)
	}
	if len(out.UnknownIpPermissions) > 0 || (out.Return != nil && !aws.ToBool(out.Return)) {
		logging.Logger().Warn("provider did not match the ingress rule to revoke",
			zap.String("security_group_id", groupID),
			zap.String("rule", result.Rule),
			zap.String("still_open_via", result.StillOpenVia))
		result.AlreadyClosed = result.StillOpenVia == ""
		return result, nil
	}
	result.Changed = true
	return result, nil
}

// TerminateInstance terminates an EC2 instance. The pipeline never calls
// this; it exists for operator cleanup.
func (p *AWSClient) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return ClassifyError("TerminateInstances", err)
	}
	return nil
}

func (p *AWSClient) instanceGroup(ctx context.Context, instanceID string) (string, []types.IpPermission, error) {
	inst, err := p.DescribeInstance(ctx, instanceID)
	if err != nil {
		return "", nil, err
	}
	if len(inst.SecurityGroupIDs) == 0 {
		return "", nil, fmt.Errorf("%w: %s", ErrNoSecurityGroup, instanceID)
	}
	groupID := inst.SecurityGroupIDs[0]

	out, err := p.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{groupID},
	})
	if err != nil {
		return "", nil, ClassifyError("DescribeSecurityGroups", err)
	}
	if len(out.SecurityGroups) == 0 {
		return "", nil, &ProviderError{Op: "DescribeSecurityGroups", Code: "InvalidGroup.NotFound", Message: groupID, NotFound: true}
	}
	return groupID, out.SecurityGroups[0].IpPermissions, nil
}

func toInstance(inst types.Instance) *Instance {
	out := &Instance{
		ID:           aws.ToString(inst.InstanceId),
		PublicIP:     aws.ToString(inst.PublicIpAddress),
		PrivateIP:    aws.ToString(inst.PrivateIpAddress),
		InstanceType: string(inst.InstanceType),
		LaunchTime:   aws.ToTime(inst.LaunchTime),
	}
	if inst.State != nil {
		out.State = mapInstanceState(inst.State.Name)
	}
	if inst.Placement != nil {
		out.AvailabilityZone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	for _, g := range inst.SecurityGroups {
		out.SecurityGroupIDs = append(out.SecurityGroupIDs, aws.ToString(g.GroupId))
	}
	for _, t := range inst.Tags {
		if aws.ToString(t.Key) == "Name" {
			out.Name = aws.ToString(t.Value)
		}
	}
	return out
}

func mapInstanceState(s types.InstanceStateName) InstanceState {
	switch s {
	case types.InstanceStateNameRunning:
		return InstanceRunning
	case types.InstanceStateNameStopping, types.InstanceStateNameStopped:
		return InstanceStopped
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
		return InstanceTerminated
	default:
		return InstancePending
	}
}

func mapInvocationStatus(s ssmtypes.CommandInvocationStatus) InvocationStatus {
	switch s {
	case ssmtypes.CommandInvocationStatusSuccess:
		return InvocationSuccess
	case ssmtypes.CommandInvocationStatusFailed:
		return InvocationFailed
	case ssmtypes.CommandInvocationStatusCancelled:
		return InvocationCancelled
	case ssmtypes.CommandInvocationStatusTimedOut:
		return InvocationTimedOut
	default:
		// Pending, InProgress, Delayed, Cancelling
		return InvocationPending
	}
}

func ingressPermission(port int32, cidr string) types.IpPermission {
	return types.IpPermission{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(port),
		ToPort:     aws.Int32(port),
		IpRanges: []types.IpRange{
			{CidrIp: aws.String(cidr), Description: aws.String("launchpad http")},
		},
	}
}

// hasIngressRule reports whether any rule admits tcp/port from cidr.
func hasIngressRule(perms []types.IpPermission, port int32, cidr string) bool {
	return hasExactIngressRule(perms, port, cidr) || broaderIngressRule(perms, port, cidr) != ""
}

// hasExactIngressRule reports whether the single-port tcp rule for cidr exists.
func hasExactIngressRule(perms []types.IpPermission, port int32, cidr string) bool {
	for _, perm := range perms {
		if aws.ToString(perm.IpProtocol) != "tcp" ||
			aws.ToInt32(perm.FromPort) != port || aws.ToInt32(perm.ToPort) != port {
			continue
		}
		if hasCIDR(perm, cidr) {
			return true
		}
	}
	return false
}

// broaderIngressRule describes the first rule other than the exact one that
// admits tcp/port from cidr, or returns "".
func broaderIngressRule(perms []types.IpPermission, port int32, cidr string) string {
	for _, perm := range perms {
		if !hasCIDR(perm, cidr) {
			continue
		}
		switch proto := aws.ToString(perm.IpProtocol); proto {
		case "-1":
			return "all traffic from " + cidr
		case "tcp":
			from, to := aws.ToInt32(perm.FromPort), aws.ToInt32(perm.ToPort)
			if port < from || port > to || (from == port && to == port) {
				continue
			}
			return fmt.Sprintf("tcp/%d-%d from %s", from, to, cidr)
		}
	}
	return ""
}

func hasCIDR(perm types.IpPermission, cidr string) bool {
	for _, r := range perm.IpRanges {
		if aws.ToString(r.CidrIp) == cidr {
			return true
		}
	}
	return false
}

func ruleString(port int32, cidr string) string {
	return fmt.Sprintf("tcp/%d from %s", port, cidr)
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
