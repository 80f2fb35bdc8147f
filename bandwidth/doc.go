// Package bandwidth splits one shared bandwidth estimate among the
// pipelines of a coordinator.
//
// A Budget hands every slot the same constant fraction of a base share. A
// Meter is the single estimator the slots report transfers to; it is passed
// in explicitly rather than looked up globally. A Limiter paces one slot at
// its fraction of the current estimate.
package bandwidth
