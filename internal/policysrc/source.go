package policysrc

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/windowgate/internal/ratelimit"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// ParameterGetter is the part of *ssm.Client we use.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// NewSSMClient builds an SSM client from the default AWS credential chain.
func NewSSMClient(ctx context.Context) (*ssm.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}
	return ssm.NewFromConfig(awsCfg), nil
}

type Options struct {
	// File is a local YAML document, it wins over SSMParam
	File string
	// SSMParam names a (possibly SecureString) parameter holding the document
	SSMParam string
	SSM      ParameterGetter
	// Base is what overrides apply to, usually ratelimit.Presets()
	Base map[string]ratelimit.Policy
}

// Load resolves the effective policy table and reports where it came from:
// the file path, "ssm:<name>", or "presets" when no source is configured.
func Load(ctx context.Context, opts Options) (map[string]ratelimit.Policy, string, error) {
	var (
		data   []byte
		origin string
		err    error
	)
	switch {
	case opts.File != "":
		origin = opts.File
		data, err = os.ReadFile(opts.File)
		if err != nil {
			return nil, "", xerrors.Wrapf(err, "read policies file %s", opts.File)
		}
	case opts.SSMParam != "":
		origin = "ssm:" + opts.SSMParam
		data, err = fetchParameter(ctx, opts.SSM, opts.SSMParam)
		if err != nil {
			return nil, "", err
		}
	default:
		policies, err := Parse(nil, opts.Base)
		return policies, "presets", err
	}

	policies, err := Parse(data, opts.Base)
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "policies from %s", origin)
	}
	return policies, origin, nil
}

func fetchParameter(ctx context.Context, client ParameterGetter, name string) ([]byte, error) {
	if client == nil {
		return nil, xerrors.Newf("SSM parameter %s configured without an SSM client", name)
	}
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", name)
	}
	return []byte(v), nil
}
