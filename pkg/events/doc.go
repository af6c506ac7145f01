/*
Package events distributes engine events: post-commit notifications, flow
lifecycle transitions, checkpoint movement.

Subscriptions are filtered by event type at the broker, so a component that
only cares about commits never wakes up for flow churn. Publish dispatches
synchronously on the publisher's goroutine — commit events reach every
subscriber in commit order, with no relay goroutine that could reorder or
delay them — and never blocks: a subscriber whose buffer is full loses the
event and sees the loss in Subscription.Dropped.
*/
package events
