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
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/benediktbwimmer/apphub-core/internal/api/httputil"
	"github.com/benediktbwimmer/apphub-core/internal/moductx"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeErr(w http.ResponseWriter, err error) {
	httputil.WriteTaxonomyError(w, err)
}

// writeList writes the {data:[...],nextCursor?} list envelope of spec §7.
func writeList(w http.ResponseWriter, data any, nextCursor string) {
	body := map[string]any{"data": data}
	if nextCursor != "" {
		body["nextCursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, body)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &apherrors.ValidationError{Message: "invalid request body: " + err.Error()}
	}
	return nil
}

func queryLimit(r *http.Request, fallback int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// requestModuleID resolves the §4.G module filter from either the
// X-AppHub-Module-Id header or the moduleId query parameter.
func requestModuleID(r *http.Request) string {
	return moductx.ModuleIDFromRequest(r.Header.Get(moductx.HeaderModuleID), r.URL.Query().Get("moduleId"))
}
