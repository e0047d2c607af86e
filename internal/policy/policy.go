// Package policy evaluates the per-client CEL expressions that decide who may
// use a client, and adjust the claims issued to it.
package policy

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"google.golang.org/protobuf/types/known/structpb"
	"lds.li/grantidp/internal/config"
	"lds.li/grantidp/internal/model"
)

var structType = reflect.TypeOf(&structpb.Struct{})

// PolicyEvaluator compiles and runs policy expressions. Compiled programs are
// cached by expression.
//
// Expressions see two variables: user, a map of the user's id, username,
// email, fullName, groups and metadata, and, for claims policies, claims, the
// map of claims about to be issued. claims.patch(m) returns claims with the
// keys of m set, or removed where the value is null.
type PolicyEvaluator struct {
	env      *cel.Env
	programs sync.Map // map[string]cel.Program
}

func NewPolicyEvaluator() (*PolicyEvaluator, error) {
	var env *cel.Env
	var err error
	env, err = cel.NewEnv(
		cel.StdLib(),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("patch",
			cel.MemberOverload("claims_patch_map",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.MapType(cel.StringType, cel.DynType)},
				cel.MapType(cel.StringType, cel.DynType),
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					base, err := toMap(lhs)
					if err != nil {
						return types.NewErr("patch target: %v", err)
					}
					patch, err := toMap(rhs)
					if err != nil {
						return types.NewErr("patch argument: %v", err)
					}
					for k, v := range patch {
						if v == nil || v == structpb.NullValue_NULL_VALUE {
							delete(base, k)
							continue
						}
						base[k] = v
					}
					return env.CELTypeAdapter().NativeToValue(base)
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("new cel env: %w", err)
	}
	return &PolicyEvaluator{env: env}, nil
}

// toMap converts a CEL map into plain JSON values by way of structpb, so
// nested lists and maps come out as []any and map[string]any.
func toMap(v ref.Val) (map[string]any, error) {
	native, err := v.ConvertToNative(structType)
	if err != nil {
		return nil, err
	}
	s, ok := native.(*structpb.Struct)
	if !ok {
		return nil, fmt.Errorf("got %T, want a map", native)
	}
	return s.AsMap(), nil
}

func (pe *PolicyEvaluator) getProgram(expression string) (cel.Program, error) {
	if val, ok := pe.programs.Load(expression); ok {
		return val.(cel.Program), nil
	}

	ast, issues := pe.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}

	prg, err := pe.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	pe.programs.Store(expression, prg)
	return prg, nil
}

func userData(user *config.User) map[string]any {
	groups := user.Groups
	if groups == nil {
		groups = []string{}
	}
	metadata := user.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"id":       user.ID.String(),
		"username": user.Username,
		"email":    user.Email,
		"fullName": user.FullName,
		"groups":   groups,
		"metadata": metadata,
	}
}

// EvaluateAuthorization reports if user passes the expression. An empty
// expression allows everyone.
func (pe *PolicyEvaluator) EvaluateAuthorization(expression string, user *config.User) (bool, error) {
	if expression == "" {
		return true, nil
	}

	prg, err := pe.getProgram(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"user":   userData(user),
		"claims": map[string]any{},
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}

	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", out.Value())
	}

	return val, nil
}

// EvaluateClaims runs the expression over the claims for user and returns the
// resulting claims. The sub claim can not be changed by a policy. A null
// result leaves the claims as they were.
func (pe *PolicyEvaluator) EvaluateClaims(expression string, initialClaims map[string]any, user *config.User) (map[string]any, error) {
	if expression == "" {
		return initialClaims, nil
	}

	prg, err := pe.getProgram(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(map[string]any{
		"claims": maps.Clone(initialClaims),
		"user":   userData(user),
	})
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}

	if out.Type() == types.NullType {
		return initialClaims, nil
	}

	result, err := toMap(out)
	if err != nil {
		return nil, fmt.Errorf("expression did not return a claims map: %w", err)
	}
	if sub, ok := initialClaims[model.ClaimSubject]; ok {
		result[model.ClaimSubject] = sub
	} else {
		delete(result, model.ClaimSubject)
	}
	return result, nil
}

// Validate compiles expression, returning any error.
func (pe *PolicyEvaluator) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := pe.getProgram(expression)
	return err
}

// ValidatePolicies compiles every client policy in cfg.
func ValidatePolicies(cfg *config.Config) error {
	pe, err := NewPolicyEvaluator()
	if err != nil {
		return fmt.Errorf("creating policy evaluator: %w", err)
	}

	var errs []error
	for _, cl := range cfg.ModelClients() {
		if err := pe.Validate(cl.ClaimsPolicy); err != nil {
			errs = append(errs, fmt.Errorf("client %s claims policy: %w", cl.ClientID, err))
		}
		if err := pe.Validate(cl.AuthorizationPolicy); err != nil {
			errs = append(errs, fmt.Errorf("client %s authorization policy: %w", cl.ClientID, err))
		}
	}
	return errors.Join(errs...)
}
