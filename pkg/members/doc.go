// Package members exposes read access to the club member directory.
//
// The billing engine only needs a narrow view of a member: identity, display
// name, role, whether the member is active, and when they registered. The
// directory is backed by PostgreSQL; CachedDirectory adds an expiring LRU in
// front of single-member lookups used by the admin API.
//
// # Usage Example
//
//	dir := members.NewPostgresDirectory(db)
//	list, err := dir.ListActiveBillableMembers(ctx, []members.Role{members.RolePlayer})
//
// # Related Packages
//
//   - pkg/dues: Consumes the directory through dues.MemberDirectory
package members
