// Copyright 2026 Trinity Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package costs

import "github.com/trinity-labs/trinity/pkg/types"

// tierRate is a pricing pair in USD per 1,000 tokens.
type tierRate struct {
	In  float64
	Out float64
}

// pricing is the contract rate table. These exact values feed budget math;
// changing them changes every recorded cost downstream.
var pricing = map[types.ModelTier]tierRate{
	types.TierLocal:         {In: 0, Out: 0},
	types.TierCloudMini:     {In: 0.00015, Out: 0.0006},
	types.TierCloudStandard: {In: 0.0025, Out: 0.01},
	types.TierCloudPremium:  {In: 0.005, Out: 0.015},
}

// Cost computes the USD cost of a call from its tier and token counts:
// (tokensIn/1000)*inRate + (tokensOut/1000)*outRate. Unknown tiers cost zero.
func Cost(tier types.ModelTier, tokensIn, tokensOut int) float64 {
	rate, ok := pricing[tier]
	if !ok {
		return 0
	}
	return float64(tokensIn)/1000*rate.In + float64(tokensOut)/1000*rate.Out
}
