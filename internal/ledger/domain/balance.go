package domain

// DrawDown consumes amount from the two buckets, subscription credits first,
// then addon credits for any remainder. The order is a policy choice (spend
// the renewing bucket first) and is relied on by reporting. Returns ok=false
// without touching either bucket when the combined balance is short.
func DrawDown(sub, addon, amount int64) (int64, int64, bool) {
	if amount <= 0 {
		return sub, addon, false
	}
	if sub+addon < amount {
		return sub, addon, false
	}
	fromSub := amount
	if fromSub > sub {
		fromSub = sub
	}
	return sub - fromSub, addon - (amount - fromSub), true
}

// Restore credits amount back to the subscription bucket. Refunds restore to
// the renewing bucket only, mirroring the draw-down order.
func Restore(sub, addon, amount int64) (int64, int64) {
	if amount <= 0 {
		return sub, addon
	}
	return sub + amount, addon
}

// GrantTo adds amount to the named bucket.
func GrantTo(sub, addon, amount int64, bucket Bucket) (int64, int64) {
	if amount <= 0 {
		return sub, addon
	}
	if bucket == BucketAddon {
		return sub, addon + amount
	}
	return sub + amount, addon
}
