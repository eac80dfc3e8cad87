package wot

// Logging convention for web-of-trust components, following glog levels:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - delivery failures and client teardowns
//     - score invariant corrections (engine defects)
//     - abnormal exits
// Warning:
//     unexpected panics even if handled and suppressed for partial operation
// V(1):
//     key engine events with ids that can be used to filter
//     - full recomputations and their correction counts
//     - batch begin/finish/abort
// V(2):
//     frequent events - e.g. enqueue, deliver, ack, fetch request -
//     should be summarized as statistics rather than logging each individual data point
