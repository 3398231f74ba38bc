/*

Package initiator implements partition leadership and transaction repair for a sharded, replicated transactional
store.

Every data partition, and the multi-partition coordinator role (MultiPartitionID), is served by k+1 replicas. Each
replica runs an Initiator. Replicas register in the election directory of their partition through a
CoordinationService; the earliest surviving registration is leader-elect. When a replica becomes leader-elect it
accepts promotion: it computes the Term (the replicas it must reconcile with), runs a repair round querying each of
them for the transactions it has seen, restarts exactly once every transaction which at least half of the
responders had not completed, and publishes itself in the LeaderCache. A repair round which does not hear from a
majority is retried with a fresh Term. More than one interrupted multi-partition transaction is an unresolvable condition: the
initiator asks every replica to dump its state and signals a fatal error, and the application stops the node.

Replicas exchange envelopes over a MessageBus; LocalBus serves a single process and GRPCBus spans hosts. Each
initiator keeps its repair log in a bolt DB.

*/
package initiator
