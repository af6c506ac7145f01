/*
Package store is the tiered multi-version store.

Committed writes arrive as versioned delta batches. The commit buffer
admits them in any order but applies them in strictly increasing version
order, holding later commits until every earlier one is present. Applied
entries land in the hot tier; a background loop demotes old versions to
warm and cold tiers by age and size.

Reads merge across tiers: for a key at version v, each tier reports its
latest entry at or below v and the highest version wins, so a reader sees
the same mapping no matter which tier serves it. Range iteration is
cursor-resumable and skips tombstones.
*/
package store
