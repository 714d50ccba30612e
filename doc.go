// Package auth is the session and role authorization core of the
// marketplace client.
//
// Components, leaves first:
//   - SessionManager owns the current session. It wraps an IdentityProvider,
//     serializes state transitions and tags every session with a generation
//     counter that moves forward whenever a session ends.
//   - ProfileSyncService fetches or creates the backend Profile of a session.
//     Responses whose generation is no longer current are dropped.
//   - RoleResolver derives RoleState (role, status, loading, error) from the
//     sync events and never reports a role it has not seen confirmed.
//   - RegistrationWizard drives signup: identity account, display name and
//     profile upsert, with an explicit RetryProfile path when only the last
//     step failed.
//   - MerchantUpgradeWorkflow submits merchant upgrade requests and admin
//     decisions. RoleRequestMachine is the backend side of the same graph.
//   - RouteGuard maps paths to requirements and decides access from a
//     RoleState.
//
// Errors carry a text code (ErrorKind) grouped in families: identity,
// profile sync, validation and workflow. Use IsIdentityError,
// IsProfileSyncError, IsValidationError and IsWorkflowError to pick a
// propagation policy.
//
// Activity sinks:
//   - ActivitySink is a light-weight audit emitter used by the session
//     manager, the sync service, the wizard and the role request machine.
//     Sinks run best-effort (errors are logged) so you can forward to a
//     database or queue without blocking a flow.
package auth
