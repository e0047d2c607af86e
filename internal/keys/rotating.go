package keys

import (
	"context"
	"fmt"
	"time"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/proto/tink_go_proto"
	"google.golang.org/protobuf/types/known/durationpb"
	"lds.li/grantidp/internal/storage"
	"lds.li/tinkrotate"
	tinkrotatev1 "lds.li/tinkrotate/proto/tinkrotate/v1"
)

// Algorithm describes a signing algorithm backed by its own keyset.
type Algorithm struct {
	// Name is the JWS alg value.
	Name string
	// KeysetName is the name the keyset is stored under.
	KeysetName string
	Template   *tink_go_proto.KeyTemplate
}

// DefaultAlgorithms are provisioned when no algorithms are configured. The
// first is preferred.
var DefaultAlgorithms = []Algorithm{
	{Name: "RS256", KeysetName: "oidc", Template: jwt.RS256_2048_F4_Key_Template()},
	{Name: "ES256", KeysetName: "oidc-es256", Template: jwt.ES256Template()},
}

// RotationOptions controls key lifetimes.
type RotationOptions struct {
	PrimaryDuration  time.Duration
	PropagationTime  time.Duration
	PhaseOutDuration time.Duration
	// CheckInterval is how often the rotator runs.
	CheckInterval time.Duration
}

// DefaultRotationOptions rotate the primary daily.
var DefaultRotationOptions = RotationOptions{
	PrimaryDuration:  24 * time.Hour,
	PropagationTime:  6 * time.Hour,
	PhaseOutDuration: 24 * time.Hour,
	CheckInterval:    10 * time.Minute,
}

func (o RotationOptions) policy(tmpl *tink_go_proto.KeyTemplate) *tinkrotatev1.RotationPolicy {
	return &tinkrotatev1.RotationPolicy{
		KeyTemplate:         tmpl,
		PrimaryDuration:     durationpb.New(o.PrimaryDuration),
		PropagationTime:     durationpb.New(o.PropagationTime),
		PhaseOutDuration:    durationpb.New(o.PhaseOutDuration),
		DeletionGracePeriod: durationpb.New(0),
	}
}

var _ Material = (*Rotating)(nil)

// Rotating is key material held in the state store and rotated by
// tinkrotate. Verification accepts every key still published, so tokens
// signed before a rotation keep validating.
type Rotating struct {
	algs            []Algorithm
	store           *storage.KeysetStore
	primitiveSource *tinkrotate.PrimitiveSource
}

// NewRotating provisions keysets for algs if needed, and starts background
// rotation bound to ctx.
func NewRotating(ctx context.Context, store *storage.KeysetStore, algs []Algorithm, opts RotationOptions) (*Rotating, error) {
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}
	policies := make(map[string]*tinkrotatev1.RotationPolicy, len(algs))
	for _, a := range algs {
		policies[a.KeysetName] = opts.policy(a.Template)
	}

	autoRotator, err := tinkrotate.NewAutoRotator(store, opts.CheckInterval, &tinkrotate.AutoRotatorOpts{
		ProvisionPolicies: policies,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create autoRotator: %w", err)
	}
	// an initial run provisions missing keysets before first use.
	if err := autoRotator.RunOnce(ctx); err != nil {
		return nil, fmt.Errorf("failed to run autoRotator: %w", err)
	}
	autoRotator.Start(ctx)

	return &Rotating{
		algs:            algs,
		store:           store,
		primitiveSource: tinkrotate.NewPrimitiveSource(store, 0),
	}, nil
}

func (r *Rotating) keysetFor(alg string) (string, bool) {
	for _, a := range r.algs {
		if a.Name == alg {
			return a.KeysetName, true
		}
	}
	return "", false
}

func (r *Rotating) SupportedAlgorithms() []string {
	algs := make([]string, 0, len(r.algs))
	for _, a := range r.algs {
		algs = append(algs, a.Name)
	}
	return algs
}

func (r *Rotating) SignAndEncodeForAlgorithm(alg string, rawJWT *jwt.RawJWT) (string, error) {
	ksid, ok := r.keysetFor(alg)
	if !ok {
		return "", fmt.Errorf("no keyset for algorithm %s", alg)
	}
	signer, err := r.primitiveSource.GetSigner(ksid)
	if err != nil {
		return "", fmt.Errorf("get signer: %w", err)
	}
	return signer.SignAndEncode(rawJWT)
}

func (r *Rotating) publicHandles(ctx context.Context) ([]*keyset.Handle, error) {
	handles := make([]*keyset.Handle, 0, len(r.algs))
	for _, a := range r.algs {
		h, err := r.store.GetPublicHandle(ctx, a.KeysetName)
		if err != nil {
			return nil, fmt.Errorf("get public handle for %s: %w", a.Name, err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (r *Rotating) VerifyAndDecode(compact string, validator *jwt.Validator) (*jwt.VerifiedJWT, error) {
	handles, err := r.publicHandles(context.Background())
	if err != nil {
		return nil, err
	}
	return verifyWith(handles, compact, validator)
}

func (r *Rotating) JWKS(ctx context.Context) ([]byte, error) {
	handles, err := r.publicHandles(ctx)
	if err != nil {
		return nil, err
	}
	return mergeJWKS(handles)
}
