// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"fmt"

	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
	"github.com/go-playground/validator/v10"
)

// validate is the shared struct-tag validator for every request DTO in
// this package (workflow/trigger/manifest payloads, per SPEC_FULL's
// domain-stack wiring of go-playground/validator).
var validate = validator.New()

// validateBody runs the struct-tag validator over req and, on failure,
// returns a *errors.ValidationError naming the first failing field so
// handlers can respond with a single taxonomy-shaped 400.
func validateBody(req any) error {
	if err := validate.Struct(req); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &apherrors.ValidationError{
				Field:   fe.Namespace(),
				Message: fmt.Sprintf("failed '%s' validation", fe.Tag()),
			}
		}
		return &apherrors.ValidationError{Message: err.Error()}
	}
	return nil
}

// validateWorkflowDAG enforces spec §9's "strictly acyclic" requirement at
// definition-create time: every dependsOn id must name a declared step,
// and the dependency relation must admit no cycle.
func validateWorkflowDAG(steps []store.StepDefinition) error {
	byID := make(map[string]store.StepDefinition, len(steps))
	for _, s := range steps {
		if s.StepID == "" {
			return &apherrors.ValidationError{Field: "steps", Message: "every step requires a non-empty stepId"}
		}
		if _, dup := byID[s.StepID]; dup {
			return &apherrors.ValidationError{Field: "steps", Message: fmt.Sprintf("duplicate stepId %q", s.StepID)}
		}
		byID[s.StepID] = s
		produced := make(map[string]bool, len(s.Produces))
		for _, ref := range s.Produces {
			if produced[ref.AssetID] {
				return &apherrors.ValidationError{
					Field:   "steps[" + s.StepID + "].produces",
					Message: fmt.Sprintf("duplicate assetId %q", ref.AssetID),
				}
			}
			produced[ref.AssetID] = true
		}
	}
	bodySteps := make(map[string]bool)
	for _, s := range steps {
		if s.Type != store.StepTypeFanout {
			continue
		}
		if s.Fanout == nil || s.Fanout.BodyStepID == "" {
			return &apherrors.ValidationError{
				Field:   "steps[" + s.StepID + "].fanout",
				Message: "fanout step requires a body sub-step",
			}
		}
		body, ok := byID[s.Fanout.BodyStepID]
		if !ok {
			return &apherrors.ValidationError{
				Field:   "steps[" + s.StepID + "].fanout.bodyStepId",
				Message: fmt.Sprintf("unknown step %q", s.Fanout.BodyStepID),
			}
		}
		if body.StepID == s.StepID {
			return &apherrors.ValidationError{
				Field:   "steps[" + s.StepID + "].fanout.bodyStepId",
				Message: "fanout step cannot be its own body",
			}
		}
		if len(body.DependsOn) > 0 {
			return &apherrors.ValidationError{
				Field:   "steps[" + body.StepID + "].dependsOn",
				Message: "fanout body sub-steps cannot declare dependencies",
			}
		}
		bodySteps[s.Fanout.BodyStepID] = true
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return &apherrors.ValidationError{
					Field:   "steps[" + s.StepID + "].dependsOn",
					Message: fmt.Sprintf("unknown step %q", dep),
				}
			}
			if bodySteps[dep] {
				return &apherrors.ValidationError{
					Field:   "steps[" + s.StepID + "].dependsOn",
					Message: fmt.Sprintf("step %q is a fanout body and runs only inside child runs", dep),
				}
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			return &apherrors.ValidationError{Field: "steps", Message: fmt.Sprintf("cycle detected at step %q", id)}
		}
		state[id] = visiting
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = visited
		return nil
	}
	for _, s := range steps {
		if err := visit(s.StepID); err != nil {
			return err
		}
	}
	return nil
}
