package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"lds.li/grantidp/internal/config"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/policy"
)

var (
	janeID     = uuid.MustParse("6b1e3a52-2f7a-4d8e-9c39-0d8c0f6c2b11")
	disabledID = uuid.MustParse("0f1c7f36-5a43-4f0e-8f73-2f0b9cb6a6f2")
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	pe, err := policy.NewPolicyEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	users := config.Users{
		{
			ID:            janeID,
			Username:      "jane",
			Email:         "jane@example.com",
			EmailVerified: true,
			FullName:      "Jane Doe",
			Groups:        []string{"admins"},
			Metadata:      map[string]any{"team": "platform"},
		},
		{ID: disabledID, Username: "old", Email: "old@example.com", Disabled: true},
	}
	return New(users, pe, nil)
}

func TestGetProfileData(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	jane := model.Subject{SubjectID: janeID.String()}

	for _, tc := range []struct {
		name   string
		client *model.Client
		types  []string
		want   []model.Claim
	}{
		{
			name:  "filtered by requested types",
			types: []string{ClaimEmail, ClaimEmailVerified},
			want: []model.Claim{
				model.NewClaim(ClaimEmail, "jane@example.com"),
				{Type: ClaimEmailVerified, Value: "true", ValueType: model.ClaimValueTypeBoolean},
			},
		},
		{
			name:  "groups are a json array",
			types: []string{ClaimGroups, ClaimPreferredUsername},
			want: []model.Claim{
				{Type: ClaimGroups, Value: `["admins"]`, ValueType: model.ClaimValueTypeJSON},
				model.NewClaim(ClaimPreferredUsername, "jane"),
			},
		},
		{
			name:  "derived name parts and picture",
			types: []string{ClaimGivenName, ClaimFamilyName, ClaimPicture},
			want: []model.Claim{
				model.NewClaim(ClaimFamilyName, "Doe"),
				model.NewClaim(ClaimGivenName, "Jane"),
				model.NewClaim(ClaimPicture, gravatarURL("jane@example.com")),
			},
		},
		{
			name:  "nothing requested",
			types: nil,
			want:  nil,
		},
		{
			name:   "claims policy applied",
			client: &model.Client{ClientID: "c", ClaimsPolicy: "claims.patch({'email': null, 'team': user.metadata.team})"},
			types:  []string{ClaimEmail, ClaimName, "team"},
			want: []model.Claim{
				model.NewClaim(ClaimName, "Jane Doe"),
				model.NewClaim("team", "platform"),
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.GetProfileData(ctx, &model.ProfileDataRequest{
				Subject:             jane,
				Client:              tc.client,
				Caller:              model.ProfileCallerUserInfoEndpoint,
				RequestedClaimTypes: tc.types,
			})
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("claims (-want +got):\n%s", diff)
			}
		})
	}

	_, err := s.GetProfileData(ctx, &model.ProfileDataRequest{
		Subject:             model.Subject{SubjectID: uuid.NewString()},
		RequestedClaimTypes: []string{ClaimEmail},
	})
	if !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("unknown user: got %v, want ErrInvalidArgument", err)
	}
}

func TestIsActive(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	for _, tc := range []struct {
		name   string
		sub    string
		client *model.Client
		want   bool
	}{
		{name: "active user", sub: janeID.String(), want: true},
		{name: "disabled user", sub: disabledID.String(), want: false},
		{name: "unknown user", sub: uuid.NewString(), want: false},
		{name: "not a uuid", sub: "jane", want: false},
		{
			name:   "policy allows",
			sub:    janeID.String(),
			client: &model.Client{ClientID: "c", AuthorizationPolicy: "'admins' in user.groups"},
			want:   true,
		},
		{
			name:   "policy denies",
			sub:    janeID.String(),
			client: &model.Client{ClientID: "c", AuthorizationPolicy: "'ops' in user.groups"},
			want:   false,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.IsActive(ctx, &model.IsActiveRequest{
				Subject: model.Subject{SubjectID: tc.sub},
				Client:  tc.client,
			})
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("IsActive = %v, want %v", got, tc.want)
			}
		})
	}
}
