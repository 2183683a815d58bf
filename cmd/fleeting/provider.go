// Provider resolution: turns the CLI's provider name argument into a
// platform.Provider, reading backend-specific settings from the
// environment the same way platform/aws.New reads
// AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY (spec's ambient configuration
// rule).
package main

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/jakajancar/fleeting/platform"
	"github.com/jakajancar/fleeting/platform/aws"
	"github.com/jakajancar/fleeting/platform/gce"
	"github.com/jakajancar/fleeting/platform/multipass"
)

func resolveProvider(ctx context.Context, name string) (platform.Provider, error) {
	switch name {
	case "aws":
		return aws.New(aws.Options{
			Region:        envOr("FLEETING_AWS_REGION", "us-east-1"),
			AMI:           os.Getenv("FLEETING_AWS_AMI"),
			InstanceType:  envOr("FLEETING_AWS_INSTANCE_TYPE", "t3.medium"),
			SecurityGroup: os.Getenv("FLEETING_AWS_SECURITY_GROUP"),
		})
	case "gce":
		return gce.New(ctx, gce.Options{
			Project:     os.Getenv("FLEETING_GCE_PROJECT"),
			Zone:        envOr("FLEETING_GCE_ZONE", "us-central1-a"),
			MachineType: envOr("FLEETING_GCE_MACHINE_TYPE", "e2-medium"),
			Image:       os.Getenv("FLEETING_GCE_IMAGE"),
			Network:     os.Getenv("FLEETING_GCE_NETWORK"),
		})
	case "local":
		return multipass.New(multipass.Options{
			Image: os.Getenv("FLEETING_MULTIPASS_IMAGE"),
			CPUs:  os.Getenv("FLEETING_MULTIPASS_CPUS"),
			Mem:   os.Getenv("FLEETING_MULTIPASS_MEM"),
			Disk:  os.Getenv("FLEETING_MULTIPASS_DISK"),
		}), nil
	default:
		return nil, &usageError{errors.Errorf("unknown provider %q (want aws, gce, or local)", name)}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
