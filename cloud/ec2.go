package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/compeval/conveyor/config"
)

// EC2Provider provisions instances through the EC2 API.
type EC2Provider struct {
	client *ec2.EC2
	conf   config.EC2
}

// NewEC2Provider returns an EC2 provider from the given configuration.
func NewEC2Provider(conf config.EC2) (*EC2Provider, error) {
	sess, err := newSession(conf)
	if err != nil {
		return nil, fmt.Errorf("creating EC2 session: %v", err)
	}
	return &EC2Provider{client: ec2.New(sess), conf: conf}, nil
}

// newSession builds an AWS session from config. When no static
// credentials are configured, the default credential chain is used.
func newSession(conf config.EC2) (*session.Session, error) {
	awsConf := aws.NewConfig()

	if conf.Region != "" {
		awsConf.WithRegion(conf.Region)
	}
	if conf.Endpoint != "" {
		awsConf.WithEndpoint(conf.Endpoint)
	}
	if conf.MaxRetries > 0 {
		awsConf.WithMaxRetries(conf.MaxRetries)
	}
	if conf.Credentials.Key != "" && conf.Credentials.Secret != "" {
		creds := credentials.NewStaticCredentialsFromCreds(credentials.Value{
			AccessKeyID:     conf.Credentials.Key,
			SecretAccessKey: conf.Credentials.Secret,
		})
		awsConf.WithCredentials(creds)
	}

	return session.NewSession(awsConf)
}

// Launch requests one instance and returns its ID.
func (p *EC2Provider) Launch(ctx context.Context) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.conf.AMI),
		InstanceType: aws.String(p.conf.InstanceType),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String("instance"),
			Tags: []*ec2.Tag{{
				Key:   aws.String("conveyor"),
				Value: aws.String("worker"),
			}},
		}},
	}
	if p.conf.KeyName != "" {
		input.KeyName = aws.String(p.conf.KeyName)
	}
	if p.conf.SubnetID != "" {
		input.SubnetId = aws.String(p.conf.SubnetID)
	}
	if len(p.conf.SecurityGroups) > 0 {
		input.SecurityGroupIds = aws.StringSlice(p.conf.SecurityGroups)
	}

	out, err := p.client.RunInstancesWithContext(ctx, input)
	if err != nil {
		return "", fmt.Errorf("RunInstances: %v", err)
	}
	if len(out.Instances) == 0 {
		return "", fmt.Errorf("RunInstances returned no instances")
	}
	return aws.StringValue(out.Instances[0].InstanceId), nil
}

// Describe reports the instance's state and address.
func (p *EC2Provider) Describe(ctx context.Context, id string) (InstanceState, string, error) {
	out, err := p.client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: aws.StringSlice([]string{id}),
	})
	if err != nil {
		return InstanceUnknown, "", fmt.Errorf("DescribeInstances %s: %v", id, err)
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			addr := aws.StringValue(inst.PrivateIpAddress)
			if pub := aws.StringValue(inst.PublicIpAddress); pub != "" {
				addr = pub
			}
			switch aws.StringValue(inst.State.Name) {
			case ec2.InstanceStateNamePending:
				return InstancePending, addr, nil
			case ec2.InstanceStateNameRunning:
				return InstanceRunning, addr, nil
			case ec2.InstanceStateNameShuttingDown,
				ec2.InstanceStateNameTerminated,
				ec2.InstanceStateNameStopping,
				ec2.InstanceStateNameStopped:
				return InstanceTerminated, addr, nil
			}
			return InstanceUnknown, addr, nil
		}
	}
	return InstanceUnknown, "", fmt.Errorf("instance %s not found", id)
}

// Terminate destroys the instance.
func (p *EC2Provider) Terminate(ctx context.Context, id string) error {
	_, err := p.client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: aws.StringSlice([]string{id}),
	})
	if err != nil {
		return fmt.Errorf("TerminateInstances %s: %v", id, err)
	}
	return nil
}
