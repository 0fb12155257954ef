package server

import "github.com/spineldb/spineldb/internal/executor"

// AllowAllACL is the default executor.ACLChecker: the ACL rule evaluator
// itself is an out-of-scope collaborator (spec §1), so standalone wiring
// permits every command until a real evaluator is plugged in.
type AllowAllACL struct{}

// CheckPermission implements executor.ACLChecker.
func (AllowAllACL) CheckPermission(user string, cmd executor.Command) error { return nil }
