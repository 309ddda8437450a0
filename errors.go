// Copyright 2024 The Cockroach Authors
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

package fixedmap

import "errors"

var (
	// ErrInvalidCapacity is returned by New when the capacity is not in
	// [1, MaxCapacity].
	ErrInvalidCapacity = errors.New("fixedmap: invalid capacity")
	// ErrCapacityExceeded is returned by Put when the key is not present and
	// every slot is full. The map is left unchanged.
	ErrCapacityExceeded = errors.New("fixedmap: capacity exceeded")
)
