package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/source"

	operatorv1alpha1 "github.com/vpatelsj/domain-operator/api/v1alpha1"
	"github.com/vpatelsj/domain-operator/internal/domain"
	"github.com/vpatelsj/domain-operator/internal/plans"
	"github.com/vpatelsj/domain-operator/internal/work"
)

const (
	defaultFailureRequeueDelay = 30 * time.Second
	requeueBuffer              = 64
	statusWriteTimeout         = 10 * time.Second

	// ReasonMakeRightFailed marks a run that ended with an error.
	ReasonMakeRightFailed = "MakeRightFailed"
)

// DomainReconciler reconciles a Domain object. It does no I/O of its own
// beyond reading the Domain: each run is a fiber on the engine, and at most
// one run per domain is in flight.
type DomainReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Engine   *work.Engine
	Registry *domain.Registry
	Plans    plans.Deps
	// PodReader supplies live pod state, normally the manager's cache.
	PodReader client.Reader

	MaxConcurrentReconciles int
	FailureRequeueDelay     time.Duration

	requeue chan event.GenericEvent
}

// +kubebuilder:rbac:groups=operator.stargate.io,resources=domains,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=operator.stargate.io,resources=domains/status,verbs=get;update;patch
// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch;create;delete
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile starts a make-right run when the domain changed since the run
// in flight, if any.
func (r *DomainReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var d operatorv1alpha1.Domain
	if err := r.Get(ctx, req.NamespacedName, &d); err != nil {
		if apierrors.IsNotFound(err) {
			r.stop(ctx, req.NamespacedName)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	if !d.DeletionTimestamp.IsZero() {
		r.stop(ctx, req.NamespacedName)
		return ctrl.Result{}, nil
	}

	hash := domain.DomainSpecHash(&d)
	if proc, ok := r.Registry.Get(req.NamespacedName); ok && proc.Matches(d.Generation, hash) {
		logger.V(1).Info("Make-right already in progress", "generation", d.Generation)
		return ctrl.Result{}, nil
	}

	proc, previous := r.Registry.Begin(req.NamespacedName, d.Generation, hash)
	if previous != nil {
		logger.Info("Replacing in-flight make-right", "previousGeneration", previous.Generation, "generation", d.Generation)
		previous.Cancel()
	}

	info := domain.NewPresenceInfo(&d, r.PodReader)
	fiberLog := logger.WithValues("domain", d.GetDomainUID())
	p := work.WithLogger(work.NewPacket(), fiberLog)
	p.PutComponent(domain.ComponentName, work.NewComponent(info))

	fiber, err := r.Engine.Start(plans.MakeRight(r.Plans, info), p,
		work.WithFiberLogger(fiberLog),
		work.WithCompletion(func(f *work.Fiber, err error) { r.completed(fiberLog, proc, info, err) }),
	)
	if err != nil {
		r.Registry.Finish(proc, err)
		return ctrl.Result{}, fmt.Errorf("start make-right for %s: %w", req.NamespacedName, err)
	}
	proc.Attach(fiber)
	logger.Info("Started make-right", "fiber", fiber.ID(), "generation", d.Generation)
	return ctrl.Result{}, nil
}

func (r *DomainReconciler) stop(ctx context.Context, key types.NamespacedName) {
	if err := r.Registry.Cancel(key); err == nil {
		log.FromContext(ctx).Info("Cancelled make-right of removed domain")
	}
}

func (r *DomainReconciler) completed(logger logr.Logger, proc *domain.Processing, info *domain.PresenceInfo, err error) {
	r.Registry.Finish(proc, err)
	switch {
	case err == nil:
		logger.Info("Make-right complete", "generation", proc.Generation, "duration", time.Since(proc.StartedAt))
	case errors.Is(err, work.ErrFiberCancelled):
		logger.V(1).Info("Make-right cancelled", "generation", proc.Generation)
	default:
		logger.Error(err, "Make-right failed", "generation", proc.Generation)
		// completion runs on an engine worker; the status write must not block it
		go func() {
			r.recordFailure(logger, info, err)
			r.requeueAfter(proc.Key, r.failureRequeueDelay())
		}()
	}
}

// recordFailure writes the Failed condition, along with any call failures
// recorded during the run.
func (r *DomainReconciler) recordFailure(logger logr.Logger, info *domain.PresenceInfo, runErr error) {
	d := info.Domain()
	if !domain.HasCondition(&d.Status, domain.ConditionFailed, true) {
		cond := metav1.Condition{
			Type:               domain.ConditionFailed,
			Status:             metav1.ConditionTrue,
			Reason:             ReasonMakeRightFailed,
			Message:            runErr.Error(),
			ObservedGeneration: d.Generation,
		}
		info.RecordFailure(cond)
		d = info.Domain()
	}
	d.Status.LastUpdated = metav1.Now()

	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := r.Status().Update(ctx, d); err != nil && !apierrors.IsNotFound(err) {
		logger.Error(err, "Failed to update Domain status")
	}
}

func (r *DomainReconciler) failureRequeueDelay() time.Duration {
	if r.FailureRequeueDelay > 0 {
		return r.FailureRequeueDelay
	}
	return defaultFailureRequeueDelay
}

func (r *DomainReconciler) requeueAfter(key types.NamespacedName, delay time.Duration) {
	if r.requeue == nil {
		return
	}
	time.AfterFunc(delay, func() {
		obj := &operatorv1alpha1.Domain{ObjectMeta: metav1.ObjectMeta{Namespace: key.Namespace, Name: key.Name}}
		select {
		case r.requeue <- event.GenericEvent{Object: obj}:
		default:
		}
	})
}

// SetupWithManager sets up the controller with the Manager
func (r *DomainReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.requeue == nil {
		r.requeue = make(chan event.GenericEvent, requeueBuffer)
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&operatorv1alpha1.Domain{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Owns(&corev1.Pod{}).
		WatchesRawSource(&source.Channel{Source: r.requeue}, &handler.EnqueueRequestForObject{}).
		WithOptions(controller.Options{
			MaxConcurrentReconciles: r.MaxConcurrentReconciles,
			RateLimiter: workqueue.NewMaxOfRateLimiter(
				workqueue.NewItemExponentialFailureRateLimiter(5*time.Millisecond, time.Minute),
				&workqueue.BucketRateLimiter{Limiter: rate.NewLimiter(rate.Limit(10), 100)},
			),
		}).
		Complete(r)
}
