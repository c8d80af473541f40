// Copyright 2025 Kadir Pekel
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

// Package tokenizer provides token estimation for conversation content.
//
// The conversation tree, compaction, and context materialization all budget
// by tokens. The default estimator is deliberately conservative (a quarter
// token per character, rounded up) so budget math never undercounts; when a
// model's encoding is known a tiktoken-backed estimator can be used instead.
package tokenizer

import (
	"math"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator estimates the token footprint of a piece of content.
type Estimator interface {
	EstimateTokens(content string) int
}

// CharEstimator approximates tokens as ceil(chars * 0.25).
type CharEstimator struct{}

// EstimateTokens implements Estimator.
func (CharEstimator) EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return int(math.Ceil(float64(len(content)) * 0.25))
}

// TiktokenEstimator counts tokens with a real BPE encoding. Falls back to the
// conservative char estimate when the encoding cannot be loaded (offline
// environments, unknown models).
type TiktokenEstimator struct {
	enc      *tiktoken.Tiktoken
	fallback CharEstimator
}

// NewTiktokenEstimator builds an estimator for a model name. The error is
// non-fatal: a nil-encoding estimator still works via the char fallback.
func NewTiktokenEstimator(model string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return &TiktokenEstimator{}, err
	}
	return &TiktokenEstimator{enc: enc}, nil
}

// EstimateTokens implements Estimator.
func (t *TiktokenEstimator) EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	if t.enc == nil {
		return t.fallback.EstimateTokens(content)
	}
	return len(t.enc.Encode(content, nil, nil))
}

// Default returns the estimator used when none is configured.
func Default() Estimator {
	return CharEstimator{}
}
