/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package auth

import (
	"log/slog"
	"net/http"
)

// Config holds authentication configuration for Middleware.
type Config struct {
	// Enabled turns on auth processing. When false, requests pass through
	// without any checks.
	Enabled bool

	// Required rejects requests that carry no user identity. When false,
	// unauthenticated requests are allowed through (useful while rolling
	// this out fleet-wide).
	Required bool

	// RoleChecker performs role-based access control via a database
	// lookup. If nil, only authentication (not authorization) is enforced.
	RoleChecker *RoleChecker
}

// Middleware wraps an http.Handler with authentication and, if a
// RoleChecker is configured, role-based authorization. It is meant for the
// distributor's admin surface (node registration, removal and drain), not the
// high-volume session-creation path.
func Middleware(config Config, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !config.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := ExtractInfo(r.Header)

			if config.Required && (info == nil || info.User == "") {
				logger.WarnContext(r.Context(), "unauthenticated request rejected",
					slog.String("path", r.URL.Path))
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			if config.RoleChecker != nil {
				var roles []string
				if info != nil {
					roles = info.Roles
				}
				allowed, err := config.RoleChecker.CheckAccess(r.Context(), roles, r.URL.Path, r.Method)
				if err != nil {
					logger.ErrorContext(r.Context(), "role check failed",
						slog.String("path", r.URL.Path), slog.String("error", err.Error()))
					http.Error(w, "authorization check failed", http.StatusInternalServerError)
					return
				}
				if !allowed {
					user := ""
					if info != nil {
						user = info.User
					}
					logger.WarnContext(r.Context(), "access denied by role check",
						slog.String("path", r.URL.Path), slog.String("user", user))
					http.Error(w, "insufficient permissions", http.StatusForbidden)
					return
				}
			}

			if info != nil {
				r = r.WithContext(ContextWithInfo(r.Context(), info))
			}
			next.ServeHTTP(w, r)
		})
	}
}
