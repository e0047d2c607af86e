package tokens

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"lds.li/grantidp/internal/model"
)

// verifiedClaims flattens the payload of a verified JWT into claims. Arrays
// become one claim per element, objects become JSON claims.
func verifiedClaims(v *jwt.VerifiedJWT) ([]model.Claim, error) {
	var claims []model.Claim

	str := func(has func() bool, get func() (string, error), typ string) error {
		if !has() {
			return nil
		}
		val, err := get()
		if err != nil {
			return fmt.Errorf("read %s: %w", typ, err)
		}
		claims = append(claims, model.NewClaim(typ, val))
		return nil
	}
	tm := func(has func() bool, get func() (time.Time, error), typ string) error {
		if !has() {
			return nil
		}
		val, err := get()
		if err != nil {
			return fmt.Errorf("read %s: %w", typ, err)
		}
		claims = append(claims, model.Claim{Type: typ, Value: strconv.FormatInt(val.Unix(), 10), ValueType: model.ClaimValueTypeInteger64})
		return nil
	}

	for _, err := range []error{
		str(v.HasIssuer, v.Issuer, model.ClaimIssuer),
		str(v.HasSubject, v.Subject, model.ClaimSubject),
		str(v.HasJWTID, v.JWTID, model.ClaimJWTID),
		tm(v.HasIssuedAt, v.IssuedAt, model.ClaimIssuedAt),
		tm(v.HasNotBefore, v.NotBefore, model.ClaimNotBefore),
		tm(v.HasExpiration, v.ExpiresAt, model.ClaimExpiration),
	} {
		if err != nil {
			return nil, err
		}
	}
	if v.HasAudiences() {
		auds, err := v.Audiences()
		if err != nil {
			return nil, fmt.Errorf("read aud: %w", err)
		}
		for _, a := range auds {
			claims = append(claims, model.NewClaim(model.ClaimAudience, a))
		}
	}

	names := v.CustomClaimNames()
	slices.Sort(names)
	for _, name := range names {
		var (
			c   []model.Claim
			err error
		)
		switch {
		case v.HasStringClaim(name):
			var s string
			s, err = v.StringClaim(name)
			c = []model.Claim{model.NewClaim(name, s)}
		case v.HasNumberClaim(name):
			var n float64
			n, err = v.NumberClaim(name)
			c = []model.Claim{numberClaim(name, n)}
		case v.HasBooleanClaim(name):
			var b bool
			b, err = v.BooleanClaim(name)
			c = []model.Claim{{Type: name, Value: strconv.FormatBool(b), ValueType: model.ClaimValueTypeBoolean}}
		case v.HasArrayClaim(name):
			var arr []any
			arr, err = v.ArrayClaim(name)
			if err == nil {
				c, err = arrayClaims(name, arr)
			}
		case v.HasObjectClaim(name):
			var obj map[string]any
			obj, err = v.ObjectClaim(name)
			if err == nil {
				c, err = jsonClaim(name, obj)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("read claim %s: %w", name, err)
		}
		claims = append(claims, c...)
	}
	return claims, nil
}

func numberClaim(name string, n float64) model.Claim {
	if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
		return model.Claim{Type: name, Value: strconv.FormatInt(int64(n), 10), ValueType: model.ClaimValueTypeInteger64}
	}
	return model.NewClaim(name, strconv.FormatFloat(n, 'f', -1, 64))
}

func arrayClaims(name string, arr []any) ([]model.Claim, error) {
	var out []model.Claim
	for _, el := range arr {
		switch el := el.(type) {
		case string:
			out = append(out, model.NewClaim(name, el))
		case float64:
			out = append(out, numberClaim(name, el))
		case bool:
			out = append(out, model.Claim{Type: name, Value: strconv.FormatBool(el), ValueType: model.ClaimValueTypeBoolean})
		case nil:
		default:
			c, err := jsonClaim(name, el)
			if err != nil {
				return nil, err
			}
			out = append(out, c...)
		}
	}
	return out, nil
}

func jsonClaim(name string, v any) ([]model.Claim, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []model.Claim{{Type: name, Value: string(b), ValueType: model.ClaimValueTypeJSON}}, nil
}

// splitScopes replaces a space delimited scope claim with one claim per
// scope.
func splitScopes(claims []model.Claim) []model.Claim {
	out := make([]model.Claim, 0, len(claims))
	for _, c := range claims {
		if c.Type == model.ClaimScope && strings.Contains(c.Value, " ") {
			for _, s := range strings.Fields(c.Value) {
				out = append(out, model.NewClaim(model.ClaimScope, s))
			}
			continue
		}
		out = append(out, c)
	}
	return out
}
