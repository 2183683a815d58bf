// Package aws implements the VM Provider capability (spec §4.7) on
// top of EC2, adapted from the teacher's platform/api/aws wrapper:
// the same credential loading, dynamic security-group resolution, and
// tagging idiom, narrowed to the single Spawn operation this tool
// needs.
package aws

import (
	"context"
	"encoding/base64"
	"net"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var plog = capnslog.NewPackageLogger("github.com/jakajancar/fleeting", "platform/aws")

const securityGroupName = "fleeting"

// Options selects the EC2 image and shape to launch.
type Options struct {
	Region        string
	AMI           string
	InstanceType  string
	SecurityGroup string // defaults to securityGroupName
}

// Provider spawns VMs on EC2.
type Provider struct {
	ec2  *ec2.EC2
	opts Options
}

// New builds a Provider using credentials from the AWS_ACCESS_KEY_ID /
// AWS_SECRET_ACCESS_KEY environment variables, matching the teacher's
// aws_api.New.
func New(opts Options) (*Provider, error) {
	creds := credentials.NewEnvCredentials()
	if _, err := creds.Get(); err != nil {
		return nil, errors.Wrap(err, "no AWS credentials provided")
	}
	if opts.SecurityGroup == "" {
		opts.SecurityGroup = securityGroupName
	}

	cfg := aws.NewConfig().WithCredentials(creds).WithRegion(opts.Region)
	sess := session.New(cfg)

	return &Provider{ec2: ec2.New(sess), opts: opts}, nil
}

// Spawn implements platform.Provider.
func (p *Provider) Spawn(ctx context.Context, bootstrapScript string) (net.IP, error) {
	sgID, err := p.securityGroupID()
	if err != nil {
		return nil, errors.Wrap(err, "resolving security group")
	}

	userData := base64.StdEncoding.EncodeToString([]byte(bootstrapScript))

	reservation, err := p.ec2.RunInstances(&ec2.RunInstancesInput{
		ImageId:          aws.String(p.opts.AMI),
		InstanceType:     aws.String(p.opts.InstanceType),
		MinCount:         aws.Int64(1),
		MaxCount:         aws.Int64(1),
		SecurityGroupIds: []*string{aws.String(sgID)},
		UserData:         aws.String(userData),
		// The bootstrap script's own watchdog is the only thing that
		// stops the VM; this just ensures an instance-initiated
		// shutdown (e.g. "shutdown -h now" in the watchdog) actually
		// terminates rather than merely stopping the instance.
		InstanceInitiatedShutdownBehavior: aws.String("terminate"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "running instance")
	}
	if len(reservation.Instances) == 0 {
		return nil, errors.New("RunInstances returned no instances")
	}
	instanceID := *reservation.Instances[0].InstanceId

	if err := p.tag(instanceID); err != nil {
		p.terminate(instanceID)
		return nil, err
	}

	ip, err := p.waitForPublicIP(ctx, instanceID)
	if err != nil {
		p.terminate(instanceID)
		return nil, err
	}

	plog.Infof("spawned instance %s at %s", instanceID, ip)
	return ip, nil
}

// tag retries past the RunInstances/CreateTags eventual-consistency
// window documented as "Provider API" in spec §7.
func (p *Provider) tag(instanceID string) error {
	for {
		_, err := p.ec2.CreateTags(&ec2.CreateTagsInput{
			Resources: []*string{aws.String(instanceID)},
			Tags: []*ec2.Tag{
				{Key: aws.String("Name"), Value: aws.String("fleeting")},
			},
		})
		if err == nil {
			return nil
		}
		if awsErr, ok := err.(awserr.Error); !ok || awsErr.Code() != "InvalidInstanceID.NotFound" {
			return errors.Wrap(err, "tagging instance")
		}
		time.Sleep(5 * time.Second)
	}
}

func (p *Provider) waitForPublicIP(ctx context.Context, instanceID string) (net.IP, error) {
	deadline := time.Now().Add(5 * time.Minute)
	for {
		out, err := p.ec2.DescribeInstances(&ec2.DescribeInstancesInput{
			InstanceIds: []*string{aws.String(instanceID)},
		})
		if err == nil {
			for _, r := range out.Reservations {
				for _, i := range r.Instances {
					if i.PublicIpAddress != nil {
						if ip := net.ParseIP(*i.PublicIpAddress); ip != nil {
							return ip, nil
						}
					}
				}
			}
		}

		if time.Now().After(deadline) {
			return nil, errors.New("timed out waiting for a public IP address")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func (p *Provider) terminate(instanceID string) {
	_, err := p.ec2.TerminateInstances(&ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(instanceID)},
	})
	if err != nil {
		plog.Errorf("terminating instance %s after failed bring-up: %v", instanceID, err)
	}
}

// securityGroupID resolves (creating if necessary) a security group
// opening tcp/22 and tcp/2376 to the internet, matching the teacher's
// dynamic-resolution path (spec §9 open question: prefer the dynamic
// path over hard-coded group IDs).
func (p *Provider) securityGroupID() (string, error) {
	out, err := p.ec2.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		GroupNames: []*string{aws.String(p.opts.SecurityGroup)},
	})
	if isGroupNotExist(err) {
		return p.createSecurityGroup()
	}
	if err != nil {
		return "", errors.Wrapf(err, "describing security group %s", p.opts.SecurityGroup)
	}
	if len(out.SecurityGroups) == 0 {
		return "", errors.Errorf("zero security groups matched name %s", p.opts.SecurityGroup)
	}
	return *out.SecurityGroups[0].GroupId, nil
}

func (p *Provider) createSecurityGroup() (string, error) {
	sg, err := p.ec2.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(p.opts.SecurityGroup),
		Description: aws.String("fleeting: ssh and docker access for ephemeral build vms"),
	})
	if err != nil {
		return "", err
	}
	plog.Debugf("created security group %s", *sg.GroupId)

	for _, port := range []int64{22, 2376} {
		_, err := p.ec2.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
			GroupId: sg.GroupId,
			IpPermissions: []*ec2.IpPermission{
				{
					IpProtocol: aws.String("tcp"),
					FromPort:   aws.Int64(port),
					ToPort:     aws.Int64(port),
					IpRanges:   []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
				},
			},
		})
		if err != nil {
			if _, delErr := p.ec2.DeleteSecurityGroup(&ec2.DeleteSecurityGroupInput{GroupId: sg.GroupId}); delErr != nil {
				return "", errors.Wrapf(err, "authorizing port %d (and failed to delete partially-created group %s)", port, *sg.GroupId)
			}
			return "", errors.Wrapf(err, "authorizing port %d", port)
		}
	}

	return *sg.GroupId, nil
}

func isGroupNotExist(err error) bool {
	awsErr, ok := err.(awserr.Error)
	return ok && awsErr.Code() == "InvalidGroup.NotFound"
}
