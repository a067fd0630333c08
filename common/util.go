// Copyright 2026 The driverbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"
	"regexp"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// identityRegex driver identities appear in URL paths and NATS subjects
var identityRegex = regexp.MustCompile(`^[A-Za-z0-9_:\-]+$`)

// identityParam wrapper struct so the validator can check a bare string
type identityParam struct {
	Identity string `validate:"required,min=1,max=128,driver_identity"`
}

// RegisterIdentityValidation install the "driver_identity" tag on a validator
func RegisterIdentityValidation(validate *validator.Validate) error {
	return validate.RegisterValidation("driver_identity", func(fl validator.FieldLevel) bool {
		return identityRegex.MatchString(fl.Field().String())
	})
}

// GetValidator define a validator with the broker's custom tags installed
func GetValidator() (*validator.Validate, error) {
	validate := validator.New()
	if err := RegisterIdentityValidation(validate); err != nil {
		return nil, err
	}
	return validate, nil
}

// ValidateIdentity check a driver identity is well formed
func ValidateIdentity(identity string, validate *validator.Validate) error {
	if err := validate.Struct(&identityParam{Identity: identity}); err != nil {
		return fmt.Errorf("%w: identity '%s': %s", ErrInvalidArgument, identity, err.Error())
	}
	return nil
}

// DedupStrings drop duplicate entries while keeping first-seen order
func DedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	result := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		result = append(result, v)
	}
	return result
}

// CopyBytes copy a byte slice, preserving nil
func CopyBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
